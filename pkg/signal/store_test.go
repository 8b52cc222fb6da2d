package signal

import (
	"fmt"
	"testing"
	"time"

	"dermio/pkg/protocol"
)

func mkMsg(id, room string, at time.Time) protocol.NewMessage {
	return protocol.NewMessage{
		ID:           id,
		ConnectionID: room,
		SenderID:     "user-1",
		SenderType:   "user",
		Text:         "hello " + id,
		Timestamp:    at,
		Status:       "sent",
	}
}

func TestMessageStore_DeduplicatesByID(t *testing.T) {
	store := NewMessageStore()
	base := time.Now()

	msg := mkMsg("m1", "room-1", base)
	if !store.Add(msg) {
		t.Fatal("first add should report new")
	}
	// 重连后服务端可能重放同一条消息
	if store.Add(msg) {
		t.Error("duplicate id should not report new")
	}
	if got := len(store.Messages("room-1")); got != 1 {
		t.Errorf("expected 1 message, got %d", got)
	}
}

func TestMessageStore_OrdersByServerTimestamp(t *testing.T) {
	store := NewMessageStore()
	base := time.Now()

	// 乱序到达
	store.Add(mkMsg("m3", "room-1", base.Add(3*time.Second)))
	store.Add(mkMsg("m1", "room-1", base.Add(1*time.Second)))
	store.Add(mkMsg("m2", "room-1", base.Add(2*time.Second)))

	msgs := store.Messages("room-1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, msgs[i].ID)
		}
	}
}

func TestMessageStore_RoomsAreIndependent(t *testing.T) {
	store := NewMessageStore()
	base := time.Now()

	store.Add(mkMsg("a", "room-1", base))
	store.Add(mkMsg("b", "room-2", base))

	if got := len(store.Messages("room-1")); got != 1 {
		t.Errorf("room-1: expected 1 message, got %d", got)
	}
	if got := len(store.Messages("room-2")); got != 1 {
		t.Errorf("room-2: expected 1 message, got %d", got)
	}
}

func TestMessageStore_SeedReplacesAndKeepsDedupe(t *testing.T) {
	store := NewMessageStore()
	base := time.Now()

	store.Add(mkMsg("old", "room-1", base))

	history := []protocol.NewMessage{
		mkMsg("h2", "room-1", base.Add(2*time.Second)),
		mkMsg("h1", "room-1", base.Add(1*time.Second)),
	}
	store.Seed("room-1", history)

	msgs := store.Messages("room-1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after seed, got %d", len(msgs))
	}
	if msgs[0].ID != "h1" || msgs[1].ID != "h2" {
		t.Errorf("seed should sort by timestamp, got %s, %s", msgs[0].ID, msgs[1].ID)
	}

	// seed 进来的 id 之后的实时帧要被去重
	if store.Add(mkMsg("h1", "room-1", base.Add(time.Second))) {
		t.Error("message already in seeded history should be deduplicated")
	}
}

func TestMessageStore_Drop(t *testing.T) {
	store := NewMessageStore()
	store.Add(mkMsg("m1", "room-1", time.Now()))
	store.Drop("room-1")
	if got := len(store.Messages("room-1")); got != 0 {
		t.Errorf("expected empty room after drop, got %d", got)
	}
}

func TestMessageStore_MessagesReturnsCopy(t *testing.T) {
	store := NewMessageStore()
	store.Add(mkMsg("m1", "room-1", time.Now()))

	msgs := store.Messages("room-1")
	msgs[0].ID = "mutated"

	if store.Messages("room-1")[0].ID != "m1" {
		t.Error("mutating the returned slice should not affect the store")
	}
}

func TestMessageStore_ManyOutOfOrder(t *testing.T) {
	store := NewMessageStore()
	base := time.Now()

	// 倒序灌入
	for i := 50; i >= 1; i-- {
		store.Add(mkMsg(fmt.Sprintf("m%03d", i), "room-1", base.Add(time.Duration(i)*time.Millisecond)))
	}

	msgs := store.Messages("room-1")
	if len(msgs) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Fatalf("messages out of order at position %d", i)
		}
	}
}
