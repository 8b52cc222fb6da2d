package signal

import (
	"sort"
	"sync"

	"dermio/pkg/protocol"
)

// MessageStore 每房间一份按时间戳排序的消息序列。服务端时间戳是
// 唯一排序依据：网络投递跨重连不保证 FIFO，到达顺序不可信
type MessageStore struct {
	mu     sync.Mutex
	byRoom map[string]*roomMessages
}

type roomMessages struct {
	seen map[string]bool
	list []protocol.NewMessage
}

func NewMessageStore() *MessageStore {
	return &MessageStore{byRoom: make(map[string]*roomMessages)}
}

// Add 插入一条消息，按 id 去重。服务端会把发送方自己的消息回显回来，
// 重复帧在这里被吸收。返回 false 表示已存在
func (s *MessageStore) Add(msg protocol.NewMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.room(msg.ConnectionID)
	if room.seen[msg.ID] {
		return false
	}
	room.seen[msg.ID] = true
	room.list = insertByTimestamp(room.list, msg)
	return true
}

// Seed 用持久化历史重建序列（重连后调用），丢弃旧内容
func (s *MessageStore) Seed(roomID string, msgs []protocol.NewMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := &roomMessages{seen: make(map[string]bool, len(msgs))}
	for _, msg := range msgs {
		if room.seen[msg.ID] {
			continue
		}
		room.seen[msg.ID] = true
		room.list = append(room.list, msg)
	}
	sort.SliceStable(room.list, func(i, j int) bool {
		return room.list[i].Timestamp.Before(room.list[j].Timestamp)
	})
	s.byRoom[roomID] = room
}

// Messages 返回房间消息的副本，时间戳升序
func (s *MessageStore) Messages(roomID string) []protocol.NewMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.byRoom[roomID]
	if !ok {
		return nil
	}
	out := make([]protocol.NewMessage, len(room.list))
	copy(out, room.list)
	return out
}

// Drop 丢弃某房间的本地序列（离开房间时）
func (s *MessageStore) Drop(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRoom, roomID)
}

// 调用方必须持有锁
func (s *MessageStore) room(roomID string) *roomMessages {
	room, ok := s.byRoom[roomID]
	if !ok {
		room = &roomMessages{seen: make(map[string]bool)}
		s.byRoom[roomID] = room
	}
	return room
}

// insertByTimestamp 保持升序插入。乱序到达的消息落到正确位置
func insertByTimestamp(list []protocol.NewMessage, msg protocol.NewMessage) []protocol.NewMessage {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(msg.Timestamp)
	})
	list = append(list, protocol.NewMessage{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	return list
}
