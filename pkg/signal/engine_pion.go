package signal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// PionEngineConfig pion 引擎参数
type PionEngineConfig struct {
	STUNServers []string
	// Audio/Video 控制是否建立对应的本地轨道
	Audio  bool
	Video  bool
	Logger *logrus.Logger
}

// PionEngine 基于 pion/webrtc 的媒体引擎。本地媒体用静态轨道承载，
// 采集侧通过 AudioTrack/VideoTrack 写入样本
type PionEngine struct {
	cfg PionEngineConfig
	pc  *webrtc.PeerConnection

	mu          sync.Mutex
	audioTrack  *webrtc.TrackLocalStaticSample
	videoTrack  *webrtc.TrackLocalStaticSample
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	onCandidate func(json.RawMessage)
	onTrack     func(RemoteTrack)
	closeOnce   sync.Once
}

func NewPionEngine(cfg PionEngineConfig) (*PionEngine, error) {
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	api := webrtc.NewAPI()
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: cfg.STUNServers},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	e := &PionEngine{cfg: cfg, pc: pc}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn == nil {
			return
		}
		if candidate == nil {
			// 收集结束
			fn(nil)
			return
		}
		data, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			cfg.Logger.Error("Failed to marshal ICE candidate:", err)
			return
		}
		fn(data)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		cfg.Logger.Infof("Remote track arrived: %s (%s)", track.ID(), track.Kind())
		e.mu.Lock()
		fn := e.onTrack
		e.mu.Unlock()
		if fn != nil {
			fn(RemoteTrack{ID: track.ID(), Kind: track.Kind().String()})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		cfg.Logger.Infof("Peer connection state changed to %s", state.String())
	})

	return e, nil
}

// AcquireMedia 建立配置要求的本地轨道并加入连接
func (e *PionEngine) AcquireMedia() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Audio && !e.cfg.Video {
		return ErrMediaUnavailable
	}

	if e.cfg.Audio && e.audioTrack == nil {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "dermio-audio",
		)
		if err != nil {
			return fmt.Errorf("failed to create audio track: %w", err)
		}
		sender, err := e.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add audio track: %w", err)
		}
		e.audioTrack = track
		e.audioSender = sender
	}

	if e.cfg.Video && e.videoTrack == nil {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "dermio-video",
		)
		if err != nil {
			return fmt.Errorf("failed to create video track: %w", err)
		}
		sender, err := e.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add video track: %w", err)
		}
		e.videoTrack = track
		e.videoSender = sender
	}

	return nil
}

// AudioTrack 供采集侧写入音频样本
func (e *PionEngine) AudioTrack() *webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audioTrack
}

// VideoTrack 供采集侧写入视频样本
func (e *PionEngine) VideoTrack() *webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.videoTrack
}

func (e *PionEngine) CreateOffer() (json.RawMessage, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (e *PionEngine) CreateAnswer(offer json.RawMessage) (json.RawMessage, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("invalid offer: %w", err)
	}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (e *PionEngine) AcceptAnswer(answer json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("invalid answer: %w", err)
	}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (e *PionEngine) AddRemoteCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("invalid ICE candidate: %w", err)
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (e *PionEngine) OnLocalCandidate(fn func(json.RawMessage)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *PionEngine) OnRemoteTrack(fn func(RemoteTrack)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

// SetAudioEnabled 静音通过摘下/挂回发送轨道实现
func (e *PionEngine) SetAudioEnabled(enabled bool) {
	e.mu.Lock()
	sender, track := e.audioSender, e.audioTrack
	e.mu.Unlock()
	if sender == nil {
		return
	}
	e.toggleTrack(sender, track, enabled)
}

func (e *PionEngine) SetVideoEnabled(enabled bool) {
	e.mu.Lock()
	sender, track := e.videoSender, e.videoTrack
	e.mu.Unlock()
	if sender == nil {
		return
	}
	e.toggleTrack(sender, track, enabled)
}

func (e *PionEngine) toggleTrack(sender *webrtc.RTPSender, track webrtc.TrackLocal, enabled bool) {
	var err error
	if enabled {
		err = sender.ReplaceTrack(track)
	} else {
		err = sender.ReplaceTrack(nil)
	}
	if err != nil {
		e.cfg.Logger.Errorf("Failed to toggle track: %v", err)
	}
}

func (e *PionEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.pc.Close()
	})
	return err
}
