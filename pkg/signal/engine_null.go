package signal

import "encoding/json"

// NullEngine 无采集能力环境下的替身引擎：AcquireMedia 必然失败，
// 会话流程据此在发起前终止
type NullEngine struct{}

func NewNullEngine() *NullEngine { return &NullEngine{} }

func (*NullEngine) AcquireMedia() error { return ErrMediaUnavailable }

func (*NullEngine) CreateOffer() (json.RawMessage, error) { return nil, ErrMediaUnavailable }

func (*NullEngine) CreateAnswer(json.RawMessage) (json.RawMessage, error) {
	return nil, ErrMediaUnavailable
}

func (*NullEngine) AcceptAnswer(json.RawMessage) error { return ErrMediaUnavailable }

func (*NullEngine) AddRemoteCandidate(json.RawMessage) error { return ErrMediaUnavailable }

func (*NullEngine) OnLocalCandidate(func(json.RawMessage)) {}

func (*NullEngine) OnRemoteTrack(func(RemoteTrack)) {}

func (*NullEngine) SetAudioEnabled(bool) {}

func (*NullEngine) SetVideoEnabled(bool) {}

func (*NullEngine) Close() error { return nil }
