package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelope_WireFormat(t *testing.T) {
	env, err := NewEnvelope(EventSendMessage, SendMessage{
		ConnectionID: "room-1",
		SenderID:     "user-1",
		SenderType:   "user",
		Text:         "hello",
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// 负载键是 camelCase，外层只有 type/data
	for _, want := range []string{`"type":"send_message"`, `"connectionId"`, `"senderId"`, `"senderType"`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("wire frame missing %s: %s", want, raw)
		}
	}
}

func TestEnvelope_DecodeInto(t *testing.T) {
	frame := []byte(`{"type":"call_request","data":{"connectionId":"room-1","callerId":"user-1","offer":{"type":"offer","sdp":"v=0"}}}`)

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != EventCallRequest {
		t.Fatalf("expected call_request, got %s", env.Type)
	}

	var p CallRequest
	if err := env.DecodeInto(&p); err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	if p.ConnectionID != "room-1" || p.CallerID != "user-1" {
		t.Errorf("unexpected payload: %+v", p)
	}
	// offer 对协议层不透明，原文保留
	if !strings.Contains(string(p.Offer), "sdp") {
		t.Errorf("offer not preserved verbatim: %s", p.Offer)
	}
}

func TestEnvelope_DecodeIntoEmptyData(t *testing.T) {
	env := Envelope{Type: EventLeaveRoom}
	var p LeaveRoom
	if err := env.DecodeInto(&p); err == nil {
		t.Error("expected error for frame without payload")
	}
}
