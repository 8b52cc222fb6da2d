package signal

import (
	"sync"

	"dermio/pkg/protocol"
)

// RoomManager 跟踪本客户端加入的连接房间。服务端的房间成员关系
// 不跨重连存活，所以每次连接建立后都要重放 join_room
type RoomManager struct {
	conn LifecycleTransport

	mu     sync.Mutex
	joined map[string]string // roomID -> userID

	unsubConnected func()
	closeOnce      sync.Once
}

func NewRoomManager(conn LifecycleTransport) *RoomManager {
	m := &RoomManager{
		conn:   conn,
		joined: make(map[string]string),
	}
	m.unsubConnected = conn.OnConnected(m.rejoinAll)
	return m
}

// JoinRoom 将本连接挂到房间的事件作用域。立即发送失败不算错误：
// 重连成功后会自动重放
func (m *RoomManager) JoinRoom(roomID, userID string) error {
	m.mu.Lock()
	m.joined[roomID] = userID
	m.mu.Unlock()

	err := m.conn.Emit(protocol.EventJoinRoom, protocol.JoinRoom{
		ConnectionID: roomID,
		UserID:       userID,
	})
	if err == ErrNotConnected {
		return nil
	}
	return err
}

// LeaveRoom 退出房间的事件作用域。聊天/通话界面卸载时必须调用，
// 否则继续收到不再展示的房间的事件
func (m *RoomManager) LeaveRoom(roomID string) error {
	m.mu.Lock()
	delete(m.joined, roomID)
	m.mu.Unlock()

	err := m.conn.Emit(protocol.EventLeaveRoom, protocol.LeaveRoom{ConnectionID: roomID})
	if err == ErrNotConnected {
		return nil
	}
	return err
}

// Joined 返回某房间当前是否被跟踪
func (m *RoomManager) Joined(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.joined[roomID]
	return ok
}

// Close 停止重连重放。不主动 leave：连接断开时服务端已经清理
func (m *RoomManager) Close() {
	m.closeOnce.Do(func() {
		if m.unsubConnected != nil {
			m.unsubConnected()
		}
	})
}

// rejoinAll 在 connected 生命周期事件上重放所有被跟踪房间的 join_room。
// 只重放仍被跟踪的房间，避免悄悄重新加入界面已经离开的房间
func (m *RoomManager) rejoinAll() {
	m.mu.Lock()
	rooms := make(map[string]string, len(m.joined))
	for roomID, userID := range m.joined {
		rooms[roomID] = userID
	}
	m.mu.Unlock()

	for roomID, userID := range rooms {
		_ = m.conn.Emit(protocol.EventJoinRoom, protocol.JoinRoom{
			ConnectionID: roomID,
			UserID:       userID,
		})
	}
}
