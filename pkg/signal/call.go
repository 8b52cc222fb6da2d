package signal

import (
	"encoding/json"

	"dermio/pkg/protocol"
)

// CallChannel 呼叫信令的类型化收发层。只做编解码转发，
// 状态语义由 CallSession 负责
type CallChannel struct {
	conn Transport
}

func NewCallChannel(conn Transport) *CallChannel {
	return &CallChannel{conn: conn}
}

func (c *CallChannel) SendRequest(roomID, callerID string, offer json.RawMessage) error {
	return c.conn.Emit(protocol.EventCallRequest, protocol.CallRequest{
		ConnectionID: roomID,
		CallerID:     callerID,
		Offer:        offer,
	})
}

func (c *CallChannel) SendAccept(roomID, accepterID string, answer json.RawMessage) error {
	return c.conn.Emit(protocol.EventCallAccepted, protocol.CallAccepted{
		ConnectionID: roomID,
		AccepterID:   accepterID,
		Answer:       answer,
	})
}

func (c *CallChannel) SendReject(roomID, rejecterID string) error {
	return c.conn.Emit(protocol.EventCallRejected, protocol.CallRejected{
		ConnectionID: roomID,
		RejecterID:   rejecterID,
	})
}

func (c *CallChannel) SendCandidate(roomID, senderID string, candidate json.RawMessage) error {
	return c.conn.Emit(protocol.EventICECandidate, protocol.ICECandidate{
		ConnectionID: roomID,
		SenderID:     senderID,
		Candidate:    candidate,
	})
}

func (c *CallChannel) SendEnd(roomID, enderID string) error {
	return c.conn.Emit(protocol.EventEndCall, protocol.EndCall{
		ConnectionID: roomID,
		EnderID:      enderID,
	})
}

func (c *CallChannel) OnRequest(fn func(protocol.CallRequest)) func() {
	return c.conn.On(protocol.EventCallRequest, func(env protocol.Envelope) {
		var p protocol.CallRequest
		if env.DecodeInto(&p) == nil {
			fn(p)
		}
	})
}

func (c *CallChannel) OnAccepted(fn func(protocol.CallAccepted)) func() {
	return c.conn.On(protocol.EventCallAccepted, func(env protocol.Envelope) {
		var p protocol.CallAccepted
		if env.DecodeInto(&p) == nil {
			fn(p)
		}
	})
}

func (c *CallChannel) OnRejected(fn func(protocol.CallRejected)) func() {
	return c.conn.On(protocol.EventCallRejected, func(env protocol.Envelope) {
		var p protocol.CallRejected
		if env.DecodeInto(&p) == nil {
			fn(p)
		}
	})
}

func (c *CallChannel) OnCandidate(fn func(protocol.ICECandidate)) func() {
	return c.conn.On(protocol.EventICECandidate, func(env protocol.Envelope) {
		var p protocol.ICECandidate
		if env.DecodeInto(&p) == nil {
			fn(p)
		}
	})
}

func (c *CallChannel) OnEnd(fn func(protocol.EndCall)) func() {
	return c.conn.On(protocol.EventEndCall, func(env protocol.Envelope) {
		var p protocol.EndCall
		if env.DecodeInto(&p) == nil {
			fn(p)
		}
	})
}
