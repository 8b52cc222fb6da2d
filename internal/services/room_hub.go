package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dermio/internal/metrics"
	"dermio/pkg/protocol"
)

// inboundEvent 读泵收到的一帧，连同来源客户端送入 Hub 主循环
type inboundEvent struct {
	client   *RoomClient
	envelope protocol.Envelope
}

// outboundEvent 发往某个房间的一帧
type outboundEvent struct {
	roomID   string
	envelope protocol.Envelope
	// 为空则房间内所有成员都收到；否则跳过该客户端（打字与呼叫事件不回显给发送方）
	excludeClientID string
	// 来自 Redis 桥的事件不再二次发布，否则会在实例间无限回环
	fromBridge bool
}

// RoomHub 是服务端房间路由器：维护所有在线连接与房间成员关系，
// 将聊天与呼叫信令按房间扇出。所有 map 的修改都在 Run 协程内完成。
type RoomHub struct {
	clients map[string]*RoomClient
	rooms   map[string]map[string]*RoomClient

	register   chan *RoomClient
	unregister chan *RoomClient
	inbound    chan inboundEvent
	outbound   chan outboundEvent

	mutex sync.RWMutex

	// 可选：消息落库服务（未设置时 send_message 仅中继，不持久化）
	messages *MessageService
	// 可选：房间成员校验（未设置时不校验 join_room 的参与者身份）
	roomLookup RoomParticipantLookup
	// 可选：跨实例扇出桥
	bridge *RedisBridge
	// 可选：呼叫信令旁路观察者，用于通话记录
	callObserver CallSignalObserver
}

// CallSignalObserver 观察已通过成员校验的呼叫信令，由 CallRecordService 实现
type CallSignalObserver interface {
	ObserveSignal(env protocol.Envelope)
}

// RoomParticipantLookup 查询房间参与者，由 RoomService 实现
type RoomParticipantLookup interface {
	Participants(roomID string) (userID, expertID string, err error)
}

func NewRoomHub() *RoomHub {
	return &RoomHub{
		clients:    make(map[string]*RoomClient),
		rooms:      make(map[string]map[string]*RoomClient),
		register:   make(chan *RoomClient),
		unregister: make(chan *RoomClient),
		inbound:    make(chan inboundEvent, 64),
		outbound:   make(chan outboundEvent, 64),
	}
}

// SetMessageService 注入消息持久化服务（可选）
func (h *RoomHub) SetMessageService(svc *MessageService) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.messages = svc
}

// SetRoomLookup 注入房间成员查询（可选）
func (h *RoomHub) SetRoomLookup(lookup RoomParticipantLookup) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.roomLookup = lookup
}

// SetCallObserver 注入呼叫信令观察者（可选）
func (h *RoomHub) SetCallObserver(obs CallSignalObserver) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.callObserver = obs
}

// SetBridge 注入 Redis 跨实例扇出桥（可选）
func (h *RoomHub) SetBridge(bridge *RedisBridge) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.bridge = bridge
}

func (h *RoomHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			metrics.IncWSConnect()
			logrus.Infof("Client %s (user %s) connected", client.ID, client.UserID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				h.detachFromAllRooms(client)
				delete(h.clients, client.ID)
				client.closed = true
				close(client.Send)
				metrics.IncWSDisconnect()
				logrus.Infof("Client %s (user %s) disconnected", client.ID, client.UserID)
			}
			h.mutex.Unlock()

		case ev := <-h.inbound:
			h.dispatch(ev)

		case out := <-h.outbound:
			h.fanOut(out)
		}
	}
}

// dispatch 按事件类型处理一帧入站数据。入站负载一律按不可信数据解码
func (h *RoomHub) dispatch(ev inboundEvent) {
	c := ev.client
	env := ev.envelope

	switch env.Type {
	case protocol.EventJoinRoom:
		var p protocol.JoinRoom
		if err := env.DecodeInto(&p); err != nil {
			h.sendError(c, "malformed join_room payload")
			return
		}
		h.handleJoin(c, p)

	case protocol.EventLeaveRoom:
		var p protocol.LeaveRoom
		if err := env.DecodeInto(&p); err != nil {
			h.sendError(c, "malformed leave_room payload")
			return
		}
		h.handleLeave(c, p.ConnectionID)

	case protocol.EventSendMessage:
		var p protocol.SendMessage
		if err := env.DecodeInto(&p); err != nil {
			h.sendError(c, "malformed send_message payload")
			return
		}
		h.handleSendMessage(c, p)

	case protocol.EventTyping, protocol.EventStopTyping:
		var p protocol.Typing
		if err := env.DecodeInto(&p); err != nil {
			h.sendError(c, "malformed typing payload")
			return
		}
		h.relayTyping(c, env.Type, p)

	case protocol.EventCallRequest, protocol.EventCallAccepted,
		protocol.EventCallRejected, protocol.EventICECandidate, protocol.EventEndCall:
		// 信令通道是不透明中继：只需要 connectionId 用于定址，负载原样转发
		roomID, err := connectionIDOf(env)
		if err != nil {
			h.sendError(c, fmt.Sprintf("malformed %s payload", env.Type))
			return
		}
		if !h.isMember(roomID, c.ID) {
			h.sendError(c, "not joined to room")
			return
		}
		metrics.IncCallSignal(env.Type)
		h.mutex.RLock()
		observer := h.callObserver
		h.mutex.RUnlock()
		if observer != nil {
			observer.ObserveSignal(env)
		}
		h.BroadcastToRoom(roomID, env, c.ID)

	default:
		logrus.Warnf("Unknown event type %q from client %s", env.Type, c.ID)
		h.sendError(c, "unknown event type")
	}
}

func (h *RoomHub) handleJoin(c *RoomClient, p protocol.JoinRoom) {
	if p.ConnectionID == "" {
		h.sendError(c, "join_room requires connectionId")
		return
	}

	h.mutex.RLock()
	lookup := h.roomLookup
	h.mutex.RUnlock()

	// 配置了成员查询时，只有房间参与者才能加入事件作用域
	if lookup != nil {
		userID, expertID, err := lookup.Participants(p.ConnectionID)
		if err != nil {
			h.sendError(c, "room not found")
			return
		}
		if c.UserID != userID && c.UserID != expertID {
			logrus.Warnf("Client %s (user %s) denied join to room %s", c.ID, c.UserID, p.ConnectionID)
			h.sendError(c, "not a participant of this room")
			return
		}
	}

	h.mutex.Lock()
	if h.rooms[p.ConnectionID] == nil {
		h.rooms[p.ConnectionID] = make(map[string]*RoomClient)
	}
	h.rooms[p.ConnectionID][c.ID] = c
	c.joined[p.ConnectionID] = true
	h.mutex.Unlock()

	logrus.WithFields(logrus.Fields{
		"client_id": c.ID,
		"user_id":   c.UserID,
		"room_id":   p.ConnectionID,
	}).Info("Client joined room")
}

func (h *RoomHub) handleLeave(c *RoomClient, roomID string) {
	h.mutex.Lock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	delete(c.joined, roomID)
	h.mutex.Unlock()

	logrus.Infof("Client %s left room %s", c.ID, roomID)
}

// handleSendMessage 先落库（取得服务端 id 与时间戳），再向房间内所有成员
// 广播 new_message。发送方也会收到回显，由客户端按 id 去重
func (h *RoomHub) handleSendMessage(c *RoomClient, p protocol.SendMessage) {
	if !h.isMember(p.ConnectionID, c.ID) {
		h.sendError(c, "not joined to room")
		return
	}
	// 发送者身份以连接上的认证身份为准，不信任负载里的 senderId
	if p.SenderID != "" && p.SenderID != c.UserID {
		h.sendError(c, "sender mismatch")
		return
	}
	p.SenderID = c.UserID

	h.mutex.RLock()
	messages := h.messages
	h.mutex.RUnlock()

	var out protocol.NewMessage
	if messages != nil {
		saved, err := messages.PersistInbound(p)
		if err != nil {
			logrus.Warnf("Failed to persist message in room %s: %v", p.ConnectionID, err)
			h.sendError(c, "message rejected: "+err.Error())
			return
		}
		out = protocol.NewMessage{
			ID:           saved.ID,
			ConnectionID: saved.ConnectionID,
			SenderID:     saved.SenderID,
			SenderType:   saved.SenderType,
			Text:         saved.Text,
			Image:        saved.Image,
			Timestamp:    saved.Timestamp,
			Status:       saved.Status,
		}
	} else {
		// 无持久化配置时退化为纯中继，仍由服务端定序
		out = protocol.NewMessage{
			ID:           newID(),
			ConnectionID: p.ConnectionID,
			SenderID:     p.SenderID,
			SenderType:   p.SenderType,
			Text:         p.Text,
			Image:        p.Image,
			Timestamp:    time.Now().UTC(),
			Status:       "sent",
		}
	}

	env, err := protocol.NewEnvelope(protocol.EventNewMessage, out)
	if err != nil {
		logrus.Errorf("Encode new_message: %v", err)
		return
	}
	metrics.IncMessageRouted()
	h.BroadcastToRoom(p.ConnectionID, env, "")
}

// relayTyping 将 typing/stop_typing 翻译为 user_typing/user_stopped_typing
// 并转发给房间内除发送方外的成员
func (h *RoomHub) relayTyping(c *RoomClient, eventType string, p protocol.Typing) {
	if !h.isMember(p.ConnectionID, c.ID) {
		return
	}
	outType := protocol.EventUserTyping
	if eventType == protocol.EventStopTyping {
		outType = protocol.EventUserStoppedTyping
	}
	env, err := protocol.NewEnvelope(outType, protocol.UserTyping{UserID: c.UserID})
	if err != nil {
		return
	}
	h.BroadcastToRoom(p.ConnectionID, env, c.ID)
}

// BroadcastToRoom 向房间扇出一帧；excludeClientID 非空时跳过该连接
func (h *RoomHub) BroadcastToRoom(roomID string, env protocol.Envelope, excludeClientID string) {
	h.outbound <- outboundEvent{roomID: roomID, envelope: env, excludeClientID: excludeClientID}
}

// deliverFromBridge 由 Redis 桥调用，仅投递本地成员，不再发布
func (h *RoomHub) deliverFromBridge(roomID string, env protocol.Envelope) {
	h.outbound <- outboundEvent{roomID: roomID, envelope: env, fromBridge: true}
}

func (h *RoomHub) fanOut(out outboundEvent) {
	h.mutex.RLock()
	members := make([]*RoomClient, 0, len(h.rooms[out.roomID]))
	for _, client := range h.rooms[out.roomID] {
		if out.excludeClientID != "" && client.ID == out.excludeClientID {
			continue
		}
		members = append(members, client)
	}
	bridge := h.bridge
	h.mutex.RUnlock()

	for _, client := range members {
		select {
		case client.Send <- out.envelope:
		default:
			// 慢消费者：丢弃连接而不是阻塞整个路由器
			h.mutex.Lock()
			client.closed = true
			close(client.Send)
			h.detachFromAllRooms(client)
			delete(h.clients, client.ID)
			h.mutex.Unlock()
			logrus.Warnf("Client %s evicted: send buffer full", client.ID)
		}
	}

	if bridge != nil && !out.fromBridge {
		bridge.Publish(out.roomID, out.envelope, out.excludeClientID)
	}
}

// detachFromAllRooms 调用方必须持有写锁
func (h *RoomHub) detachFromAllRooms(c *RoomClient) {
	for roomID := range c.joined {
		if members, ok := h.rooms[roomID]; ok {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	c.joined = make(map[string]bool)
}

func (h *RoomHub) isMember(roomID, clientID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.rooms[roomID][clientID]
	return ok
}

func (h *RoomHub) sendError(c *RoomClient, message string) {
	// 被踢出的客户端的入站帧可能还排在队列里，它的 Send 已经关闭
	h.mutex.RLock()
	closed := c.closed
	h.mutex.RUnlock()
	if closed {
		return
	}
	env, err := protocol.NewEnvelope(protocol.EventError, protocol.ErrorEvent{Message: message})
	if err != nil {
		return
	}
	select {
	case c.Send <- env:
	default:
	}
}

// GetClientCount 当前在线连接数
func (h *RoomHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// GetRoomCount 当前有成员的房间数
func (h *RoomHub) GetRoomCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms)
}

// GetRoomMemberCount 某房间当前在线成员数
func (h *RoomHub) GetRoomMemberCount(roomID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[roomID])
}

// connectionIDOf 从任意信令负载中提取 connectionId 用于定址
func connectionIDOf(env protocol.Envelope) (string, error) {
	var p struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := env.DecodeInto(&p); err != nil {
		return "", err
	}
	if p.ConnectionID == "" {
		return "", fmt.Errorf("event %s missing connectionId", env.Type)
	}
	return p.ConnectionID, nil
}
