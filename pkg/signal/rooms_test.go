package signal

import (
	"testing"

	"dermio/pkg/protocol"
)

func TestRoomManager_JoinAndLeave(t *testing.T) {
	ft := newFakeTransport()
	m := NewRoomManager(ft)
	defer m.Close()

	if err := m.JoinRoom("room-1", "u1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if !m.Joined("room-1") {
		t.Error("room should be tracked after join")
	}
	if ft.sentCount(protocol.EventJoinRoom) != 1 {
		t.Error("join_room not emitted")
	}

	if err := m.LeaveRoom("room-1"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if m.Joined("room-1") {
		t.Error("room should not be tracked after leave")
	}
	if ft.sentCount(protocol.EventLeaveRoom) != 1 {
		t.Error("leave_room not emitted")
	}
}

func TestRoomManager_JoinWhileDisconnected(t *testing.T) {
	ft := newFakeTransport()
	m := NewRoomManager(ft)
	defer m.Close()

	// 断线期间 join 不报错，连接恢复后重放
	ft.setEmitErr(ErrNotConnected)
	if err := m.JoinRoom("room-1", "u1"); err != nil {
		t.Fatalf("JoinRoom while disconnected should succeed, got %v", err)
	}
	if !m.Joined("room-1") {
		t.Fatal("room should be tracked even while disconnected")
	}

	ft.setEmitErr(nil)
	ft.fireConnected()
	if ft.sentCount(protocol.EventJoinRoom) != 1 {
		t.Errorf("expected join_room replay on reconnect, got %d", ft.sentCount(protocol.EventJoinRoom))
	}
}

func TestRoomManager_RejoinsAllOnReconnect(t *testing.T) {
	ft := newFakeTransport()
	m := NewRoomManager(ft)
	defer m.Close()

	m.JoinRoom("room-1", "u1")
	m.JoinRoom("room-2", "u1")
	m.LeaveRoom("room-2")

	before := ft.sentCount(protocol.EventJoinRoom)
	ft.fireConnected()
	replayed := ft.sentCount(protocol.EventJoinRoom) - before

	// 只重放仍被跟踪的房间
	if replayed != 1 {
		t.Errorf("expected 1 rejoin, got %d", replayed)
	}
	envs := ft.sent(protocol.EventJoinRoom)
	var last protocol.JoinRoom
	if err := envs[len(envs)-1].DecodeInto(&last); err != nil {
		t.Fatalf("decode rejoin: %v", err)
	}
	if last.ConnectionID != "room-1" {
		t.Errorf("rejoined wrong room: %s", last.ConnectionID)
	}
}

func TestRoomManager_CloseStopsReplay(t *testing.T) {
	ft := newFakeTransport()
	m := NewRoomManager(ft)

	m.JoinRoom("room-1", "u1")
	m.Close()

	before := ft.sentCount(protocol.EventJoinRoom)
	ft.fireConnected()
	if ft.sentCount(protocol.EventJoinRoom) != before {
		t.Error("closed manager must not replay joins")
	}
}
