package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dermio/pkg/protocol"
)

func newTestClient(hub *RoomHub, id, userID, role string) *RoomClient {
	return &RoomClient{
		ID:     id,
		UserID: userID,
		Role:   role,
		Send:   make(chan protocol.Envelope, 16),
		Hub:    hub,
		joined: make(map[string]bool),
	}
}

func pushEvent(t *testing.T, hub *RoomHub, c *RoomClient, eventType string, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	hub.inbound <- inboundEvent{client: c, envelope: env}
}

func joinRoom(t *testing.T, hub *RoomHub, c *RoomClient, roomID string) {
	t.Helper()
	pushEvent(t, hub, c, protocol.EventJoinRoom, protocol.JoinRoom{ConnectionID: roomID, UserID: c.UserID})
	time.Sleep(50 * time.Millisecond)
}

func expectEvent(t *testing.T, c *RoomClient, eventType string) protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		assert.Equal(t, eventType, env.Type)
		return env
	case <-time.After(1 * time.Second):
		t.Fatalf("client %s never received %s", c.ID, eventType)
		return protocol.Envelope{}
	}
}

func expectSilence(t *testing.T, c *RoomClient) {
	t.Helper()
	select {
	case env := <-c.Send:
		t.Fatalf("client %s unexpectedly received %s", c.ID, env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRoomHub_ClientManagement(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	client1 := newTestClient(hub, "client-1", "user-1", "user")
	client2 := newTestClient(hub, "client-2", "expert-1", "expert")

	hub.register <- client1
	hub.register <- client2
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, hub.GetClientCount())

	hub.unregister <- client1
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.GetClientCount())

	hub.unregister <- client2
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, hub.GetClientCount())
}

func TestRoomHub_JoinAndLeave(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	client := newTestClient(hub, "client-1", "user-1", "user")
	hub.register <- client
	time.Sleep(50 * time.Millisecond)

	joinRoom(t, hub, client, "room-1")
	assert.Equal(t, 1, hub.GetRoomMemberCount("room-1"))
	assert.Equal(t, 1, hub.GetRoomCount())

	pushEvent(t, hub, client, protocol.EventLeaveRoom, protocol.LeaveRoom{ConnectionID: "room-1"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, hub.GetRoomMemberCount("room-1"))
	assert.Equal(t, 0, hub.GetRoomCount())

	hub.unregister <- client
}

func TestRoomHub_UnregisterDetachesFromRooms(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	client := newTestClient(hub, "client-1", "user-1", "user")
	hub.register <- client
	time.Sleep(50 * time.Millisecond)
	joinRoom(t, hub, client, "room-1")

	hub.unregister <- client
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, hub.GetRoomMemberCount("room-1"))
}

func TestRoomHub_SendMessageBroadcast(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	sender := newTestClient(hub, "client-1", "user-1", "user")
	peer := newTestClient(hub, "client-2", "expert-1", "expert")
	outsider := newTestClient(hub, "client-3", "user-2", "user")

	hub.register <- sender
	hub.register <- peer
	hub.register <- outsider
	time.Sleep(50 * time.Millisecond)

	joinRoom(t, hub, sender, "room-1")
	joinRoom(t, hub, peer, "room-1")
	joinRoom(t, hub, outsider, "room-2")

	pushEvent(t, hub, sender, protocol.EventSendMessage, protocol.SendMessage{
		ConnectionID: "room-1",
		SenderType:   "user",
		Text:         "hello",
	})

	// 发送方本人也收到回显，客户端按 id 去重
	env := expectEvent(t, sender, protocol.EventNewMessage)
	var msg protocol.NewMessage
	assert.NoError(t, env.DecodeInto(&msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "user-1", msg.SenderID)
	assert.Equal(t, "hello", msg.Text)
	assert.False(t, msg.Timestamp.IsZero())

	env2 := expectEvent(t, peer, protocol.EventNewMessage)
	var msg2 protocol.NewMessage
	assert.NoError(t, env2.DecodeInto(&msg2))
	assert.Equal(t, msg.ID, msg2.ID)

	// 别的房间不受影响
	expectSilence(t, outsider)
}

func TestRoomHub_SendMessageRequiresMembership(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	client := newTestClient(hub, "client-1", "user-1", "user")
	hub.register <- client
	time.Sleep(50 * time.Millisecond)

	pushEvent(t, hub, client, protocol.EventSendMessage, protocol.SendMessage{
		ConnectionID: "room-1",
		SenderType:   "user",
		Text:         "hello",
	})
	expectEvent(t, client, protocol.EventError)
}

func TestRoomHub_SendMessageSenderMismatch(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	client := newTestClient(hub, "client-1", "user-1", "user")
	hub.register <- client
	time.Sleep(50 * time.Millisecond)
	joinRoom(t, hub, client, "room-1")

	// 负载里的 senderId 冒充他人
	pushEvent(t, hub, client, protocol.EventSendMessage, protocol.SendMessage{
		ConnectionID: "room-1",
		SenderID:     "someone-else",
		SenderType:   "user",
		Text:         "hello",
	})
	expectEvent(t, client, protocol.EventError)
}

func TestRoomHub_TypingRelay(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	typist := newTestClient(hub, "client-1", "user-1", "user")
	peer := newTestClient(hub, "client-2", "expert-1", "expert")

	hub.register <- typist
	hub.register <- peer
	time.Sleep(50 * time.Millisecond)
	joinRoom(t, hub, typist, "room-1")
	joinRoom(t, hub, peer, "room-1")

	pushEvent(t, hub, typist, protocol.EventTyping, protocol.Typing{ConnectionID: "room-1"})

	env := expectEvent(t, peer, protocol.EventUserTyping)
	var p protocol.UserTyping
	assert.NoError(t, env.DecodeInto(&p))
	assert.Equal(t, "user-1", p.UserID)

	// 打字指示不回显给发送方
	expectSilence(t, typist)

	pushEvent(t, hub, typist, protocol.EventStopTyping, protocol.Typing{ConnectionID: "room-1"})
	expectEvent(t, peer, protocol.EventUserStoppedTyping)
}

func TestRoomHub_CallSignalRelay(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	caller := newTestClient(hub, "client-1", "user-1", "user")
	callee := newTestClient(hub, "client-2", "expert-1", "expert")

	hub.register <- caller
	hub.register <- callee
	time.Sleep(50 * time.Millisecond)
	joinRoom(t, hub, caller, "room-1")
	joinRoom(t, hub, callee, "room-1")

	// 信令负载对服务端不透明，原样转发
	pushEvent(t, hub, caller, protocol.EventCallRequest, map[string]interface{}{
		"connectionId": "room-1",
		"callerId":     "user-1",
		"offer":        map[string]interface{}{"type": "offer", "sdp": "v=0 custom"},
	})

	env := expectEvent(t, callee, protocol.EventCallRequest)
	var req protocol.CallRequest
	assert.NoError(t, env.DecodeInto(&req))
	assert.Equal(t, "user-1", req.CallerID)
	assert.Contains(t, string(req.Offer), "custom")

	// 发送方不收自己的信令
	expectSilence(t, caller)

	pushEvent(t, hub, callee, protocol.EventEndCall, protocol.EndCall{ConnectionID: "room-1", EnderID: "expert-1"})
	expectEvent(t, caller, protocol.EventEndCall)
}

func TestRoomHub_CallSignalRequiresMembership(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	client := newTestClient(hub, "client-1", "user-1", "user")
	hub.register <- client
	time.Sleep(50 * time.Millisecond)

	pushEvent(t, hub, client, protocol.EventCallRequest, protocol.CallRequest{
		ConnectionID: "room-1",
		CallerID:     "user-1",
	})
	expectEvent(t, client, protocol.EventError)
}

func TestRoomHub_UnknownEvent(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	client := newTestClient(hub, "client-1", "user-1", "user")
	hub.register <- client
	time.Sleep(50 * time.Millisecond)

	pushEvent(t, hub, client, "no-such-event", map[string]string{})
	env := expectEvent(t, client, protocol.EventError)
	var e protocol.ErrorEvent
	assert.NoError(t, env.DecodeInto(&e))
	assert.Contains(t, e.Message, "unknown")
}

func TestRoomHub_RoomLookupGate(t *testing.T) {
	hub := NewRoomHub()
	hub.SetRoomLookup(staticLookup{userID: "user-1", expertID: "expert-1"})
	go hub.Run()

	member := newTestClient(hub, "client-1", "user-1", "user")
	stranger := newTestClient(hub, "client-2", "user-9", "user")

	hub.register <- member
	hub.register <- stranger
	time.Sleep(50 * time.Millisecond)

	joinRoom(t, hub, member, "room-1")
	assert.Equal(t, 1, hub.GetRoomMemberCount("room-1"))

	joinRoom(t, hub, stranger, "room-1")
	assert.Equal(t, 1, hub.GetRoomMemberCount("room-1"))
	expectEvent(t, stranger, protocol.EventError)
}

type staticLookup struct {
	userID   string
	expertID string
}

func (l staticLookup) Participants(roomID string) (string, string, error) {
	return l.userID, l.expertID, nil
}

func TestRoomHub_SlowConsumerEviction(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	sender := newTestClient(hub, "client-1", "user-1", "user")
	// 无缓冲通道且无人消费，模拟卡死的连接
	slow := &RoomClient{
		ID:     "client-slow",
		UserID: "expert-1",
		Role:   "expert",
		Send:   make(chan protocol.Envelope),
		Hub:    hub,
		joined: make(map[string]bool),
	}

	hub.register <- sender
	hub.register <- slow
	time.Sleep(50 * time.Millisecond)
	joinRoom(t, hub, sender, "room-1")
	joinRoom(t, hub, slow, "room-1")
	assert.Equal(t, 2, hub.GetClientCount())

	pushEvent(t, hub, sender, protocol.EventSendMessage, protocol.SendMessage{
		ConnectionID: "room-1",
		SenderType:   "user",
		Text:         "hello",
	})
	time.Sleep(100 * time.Millisecond)

	// 慢消费者被踢出而不是阻塞路由器
	assert.Equal(t, 1, hub.GetClientCount())
	assert.Equal(t, 1, hub.GetRoomMemberCount("room-1"))
	expectEvent(t, sender, protocol.EventNewMessage)
}

func TestRoomHub_InboundFromEvictedClientIsDropped(t *testing.T) {
	hub := NewRoomHub()
	go hub.Run()

	sender := newTestClient(hub, "client-1", "user-1", "user")
	// 缓冲为 1 且无人消费：一条广播就满，第二条触发踢出
	stuck := &RoomClient{
		ID:     "client-stuck",
		UserID: "expert-1",
		Role:   "expert",
		Send:   make(chan protocol.Envelope, 1),
		Hub:    hub,
		joined: make(map[string]bool),
	}

	hub.register <- sender
	hub.register <- stuck
	time.Sleep(50 * time.Millisecond)
	joinRoom(t, hub, sender, "room-1")
	joinRoom(t, hub, stuck, "room-1")

	for i := 0; i < 2; i++ {
		pushEvent(t, hub, sender, protocol.EventSendMessage, protocol.SendMessage{
			ConnectionID: "room-1",
			SenderType:   "user",
			Text:         "hello",
		})
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hub.GetClientCount())

	// 被踢出前已经排队的入站帧依然会被派发；它已不是房间成员，
	// 错误回复不得写入已关闭的 Send
	pushEvent(t, hub, stuck, protocol.EventCallRequest, protocol.CallRequest{
		ConnectionID: "room-1",
		CallerID:     "expert-1",
	})
	time.Sleep(50 * time.Millisecond)

	// 路由器必须仍然存活并继续扇出
	pushEvent(t, hub, sender, protocol.EventSendMessage, protocol.SendMessage{
		ConnectionID: "room-1",
		SenderType:   "user",
		Text:         "still alive",
	})
	for i := 0; i < 3; i++ {
		expectEvent(t, sender, protocol.EventNewMessage)
	}
	assert.Equal(t, 1, hub.GetClientCount())
}

type recordingObserver struct {
	mu    sync.Mutex
	types []string
}

func (o *recordingObserver) ObserveSignal(env protocol.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.types = append(o.types, env.Type)
}

func (o *recordingObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.types...)
}

func TestRoomHub_CallObserverSeesSignals(t *testing.T) {
	hub := NewRoomHub()
	observer := &recordingObserver{}
	hub.SetCallObserver(observer)
	go hub.Run()

	caller := newTestClient(hub, "client-1", "user-1", "user")
	callee := newTestClient(hub, "client-2", "expert-1", "expert")
	outsider := newTestClient(hub, "client-3", "user-2", "user")
	hub.register <- caller
	hub.register <- callee
	hub.register <- outsider
	time.Sleep(50 * time.Millisecond)
	joinRoom(t, hub, caller, "room-1")
	joinRoom(t, hub, callee, "room-1")

	pushEvent(t, hub, caller, protocol.EventCallRequest, protocol.CallRequest{
		ConnectionID: "room-1", CallerID: "user-1", Offer: []byte(`{"type":"offer"}`),
	})
	pushEvent(t, hub, callee, protocol.EventCallAccepted, protocol.CallAccepted{
		ConnectionID: "room-1", AccepterID: "expert-1", Answer: []byte(`{"type":"answer"}`),
	})
	pushEvent(t, hub, caller, protocol.EventEndCall, protocol.EndCall{
		ConnectionID: "room-1", EnderID: "user-1",
	})
	// 非成员的信令不会被转发，也不会被观察到
	pushEvent(t, hub, outsider, protocol.EventEndCall, protocol.EndCall{
		ConnectionID: "room-1", EnderID: "user-2",
	})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{
		protocol.EventCallRequest,
		protocol.EventCallAccepted,
		protocol.EventEndCall,
	}, observer.seen())
}
