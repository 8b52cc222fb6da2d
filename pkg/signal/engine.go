package signal

import (
	"encoding/json"
	"errors"
)

// ErrMediaUnavailable 平台没有可用的采集能力（无摄像头/麦克风权限等）
var ErrMediaUnavailable = errors.New("signal: media capture unavailable")

// RemoteTrack 已到达的对端媒体轨道描述
type RemoteTrack struct {
	ID   string
	Kind string // audio | video
}

// MediaEngine 抽象通话的媒体面：采集、SDP 协商、ICE。
// CallSession 只依赖本接口，测试与无媒体环境注入替代实现
type MediaEngine interface {
	// AcquireMedia 采集本地音视频。失败返回 ErrMediaUnavailable，
	// 会话据此直接进入失败态而不发起信令
	AcquireMedia() error

	// CreateOffer 生成本端 offer 并设为 local description
	CreateOffer() (json.RawMessage, error)
	// CreateAnswer 以对端 offer 为 remote description 并生成 answer
	CreateAnswer(offer json.RawMessage) (json.RawMessage, error)
	// AcceptAnswer 将对端 answer 设为 remote description
	AcceptAnswer(answer json.RawMessage) error

	// AddRemoteCandidate 注入对端 ICE 候选。
	// 调用方保证 remote description 已设置
	AddRemoteCandidate(candidate json.RawMessage) error

	// OnLocalCandidate 本端 ICE 候选就绪回调，nil candidate 表示收集结束
	OnLocalCandidate(fn func(candidate json.RawMessage))
	// OnRemoteTrack 对端媒体轨道到达回调
	OnRemoteTrack(fn func(track RemoteTrack))

	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)

	// Close 释放采集设备与连接。可重复调用
	Close() error
}
