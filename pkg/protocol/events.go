// Package protocol defines the wire events exchanged between dermio clients
// and the room router over one persistent WebSocket connection. Every frame is
// a JSON Envelope; payloads are decoded per event type and treated as
// untrusted input.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// 客户端 -> 服务端
const (
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventStopTyping  = "stop_typing"
)

// 服务端 -> 客户端
const (
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventError             = "error"
)

// 呼叫信令，双向中继（服务端只转发，不校验 WebRTC 负载形状）
const (
	EventCallRequest  = "call_request"
	EventCallAccepted = "call_accepted"
	EventCallRejected = "call_rejected"
	EventICECandidate = "ice_candidate"
	EventEndCall      = "end_call"
)

// Envelope is the frame every event travels in.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(eventType string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: eventType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Data: data}, nil
}

// DecodeInto unmarshals the envelope payload into dst.
func (e Envelope) DecodeInto(dst interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s carries no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type JoinRoom struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type LeaveRoom struct {
	ConnectionID string `json:"connectionId"`
}

type SendMessage struct {
	ConnectionID string `json:"connectionId"`
	SenderID     string `json:"senderId"`
	SenderType   string `json:"senderType"`
	Text         string `json:"text,omitempty"`
	Image        string `json:"image,omitempty"`
}

type NewMessage struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connectionId"`
	SenderID     string    `json:"senderId"`
	SenderType   string    `json:"senderType"`
	Text         string    `json:"text,omitempty"`
	Image        string    `json:"image,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
}

type Typing struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type UserTyping struct {
	UserID string `json:"userId"`
}

// CallRequest 中的 Offer 为不透明的 SDP 负载，由媒体引擎生成和消费
type CallRequest struct {
	ConnectionID string          `json:"connectionId"`
	Offer        json.RawMessage `json:"offer"`
	CallerID     string          `json:"callerId"`
}

type CallAccepted struct {
	ConnectionID string          `json:"connectionId"`
	Answer       json.RawMessage `json:"answer"`
	AccepterID   string          `json:"accepterId"`
}

type CallRejected struct {
	ConnectionID string `json:"connectionId"`
	RejecterID   string `json:"rejecterId"`
}

type ICECandidate struct {
	ConnectionID string          `json:"connectionId"`
	Candidate    json.RawMessage `json:"candidate"`
	SenderID     string          `json:"senderId"`
}

type EndCall struct {
	ConnectionID string `json:"connectionId"`
	EnderID      string `json:"enderId"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
