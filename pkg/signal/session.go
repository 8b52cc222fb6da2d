package signal

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dermio/pkg/protocol"
)

// State 通话会话状态
type State int

const (
	StateIdle State = iota
	StateOffering
	StateRinging
	StateConnecting
	StateActive
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrCallBusy     = errors.New("signal: another call is in progress")
	ErrNotRinging   = errors.New("signal: no incoming call to answer")
	ErrCallFinished = errors.New("signal: call already finished")
)

// EngineFactory 每次通话建一个新引擎
type EngineFactory func() (MediaEngine, error)

// SessionOptions 通话会话参数
type SessionOptions struct {
	RoomID string
	SelfID string
	Engine EngineFactory
	// RingTimeout 主叫等待应答的上限，超时主动挂断
	RingTimeout   time.Duration
	Logger        *logrus.Logger
	OnStateChange func(State)
	OnRemoteTrack func(RemoteTrack)
}

// CallSession 单房间的通话状态机。信令经 CallChannel 中继，
// 媒体面全部走注入的 MediaEngine。
//
// 引擎调用一律在锁外执行，异步结果回来后重查状态再落地，
// 避免覆盖期间发生的挂断或失败
type CallSession struct {
	ch   *CallChannel
	opts SessionOptions

	mu      sync.Mutex
	state   State
	engine  MediaEngine
	release *sync.Once // 本次通话的引擎只释放一次
	peerID  string
	// 被叫侧暂存的来电 offer，Accept 时消费
	pendingOffer json.RawMessage
	// remote description 设置前到达的候选先入队
	remoteDescSet bool
	pendingICE    []json.RawMessage
	ringTimer     *time.Timer
	connectedAt   time.Time
	endedAt       time.Time
	audioOn       bool
	videoOn       bool

	unsubs    []func()
	closeOnce sync.Once
}

func NewCallSession(conn Transport, opts SessionOptions) *CallSession {
	if opts.RingTimeout == 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &CallSession{
		ch:      NewCallChannel(conn),
		opts:    opts,
		state:   StateIdle,
		release: new(sync.Once),
		audioOn: true,
		videoOn: true,
	}
	s.unsubs = append(s.unsubs,
		s.ch.OnRequest(s.handleRequest),
		s.ch.OnAccepted(s.handleAccepted),
		s.ch.OnRejected(s.handleRejected),
		s.ch.OnCandidate(s.handleCandidate),
		s.ch.OnEnd(s.handleEnd),
	)
	return s
}

func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID 当前通话对端，被叫侧在振铃时即可读到主叫
func (s *CallSession) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Duration 通话时长。媒体未曾建立返回 0
func (s *CallSession) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectedAt.IsZero() {
		return 0
	}
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.connectedAt)
	}
	return time.Since(s.connectedAt)
}

// StartCall 主叫发起通话：采集媒体、生成 offer、上行 call_request。
// 已有通话在途时返回 ErrCallBusy
func (s *CallSession) StartCall() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrCallBusy
	}
	// 先占住状态，采集媒体期间不受第二路来电干扰
	s.setStateLocked(StateOffering)
	s.mu.Unlock()

	engine, err := s.setupEngine()
	if err != nil {
		s.fail(err)
		return err
	}

	offer, err := engine.CreateOffer()
	if err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateOffering {
		// 采集期间被挂断
		s.mu.Unlock()
		return ErrCallFinished
	}
	s.armRingTimerLocked()
	s.mu.Unlock()

	if err := s.ch.SendRequest(s.opts.RoomID, s.opts.SelfID, offer); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Accept 被叫接听：采集媒体、以来电 offer 生成 answer、上行 call_accepted
func (s *CallSession) Accept() error {
	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		return ErrNotRinging
	}
	offer := s.pendingOffer
	s.mu.Unlock()

	engine, err := s.setupEngine()
	if err != nil {
		s.rejectOnFailure()
		s.fail(err)
		return err
	}

	answer, err := engine.CreateAnswer(offer)
	if err != nil {
		s.rejectOnFailure()
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		s.releaseEngine()
		return ErrCallFinished
	}
	s.stopRingTimerLocked()
	s.remoteDescSet = true
	s.setStateLocked(StateConnecting)
	pending := s.drainPendingLocked()
	s.mu.Unlock()

	s.flushCandidates(engine, pending)

	if err := s.ch.SendAccept(s.opts.RoomID, s.opts.SelfID, answer); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Reject 被叫拒接，回到空闲。此时尚未建引擎，无需释放
func (s *CallSession) Reject() error {
	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		return ErrNotRinging
	}
	s.clearCallLocked(StateIdle)
	s.mu.Unlock()

	return s.ch.SendReject(s.opts.RoomID, s.opts.SelfID)
}

// HangUp 任一方挂断或主叫取消。振铃中的被叫等价于拒接
func (s *CallSession) HangUp() error {
	s.mu.Lock()
	switch s.state {
	case StateRinging:
		s.mu.Unlock()
		return s.Reject()
	case StateOffering, StateConnecting, StateActive:
		s.mu.Unlock()
		err := s.ch.SendEnd(s.opts.RoomID, s.opts.SelfID)
		s.teardown(StateEnded)
		return err
	default:
		s.mu.Unlock()
		return ErrCallFinished
	}
}

// Reset 通话结束后回到空闲，允许下一次呼叫
func (s *CallSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded || s.state == StateFailed {
		s.clearCallLocked(StateIdle)
	}
}

// SetAudioEnabled 静音开关，挂断前后均可调用（无引擎时只记标志）
func (s *CallSession) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	s.audioOn = enabled
	engine := s.engine
	s.mu.Unlock()
	if engine != nil {
		engine.SetAudioEnabled(enabled)
	}
}

func (s *CallSession) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	s.videoOn = enabled
	engine := s.engine
	s.mu.Unlock()
	if engine != nil {
		engine.SetVideoEnabled(enabled)
	}
}

func (s *CallSession) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

func (s *CallSession) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

// Close 注销信令订阅并释放在途通话
func (s *CallSession) Close() {
	s.closeOnce.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.teardown(StateEnded)
	})
}

// ---- 信令入站 ----

func (s *CallSession) handleRequest(req protocol.CallRequest) {
	if req.CallerID == s.opts.SelfID {
		return
	}
	s.mu.Lock()
	if s.state != StateIdle {
		// 在途通话不被第二路来电覆盖，直接回拒
		s.mu.Unlock()
		s.opts.Logger.Infof("Rejecting call from %s: session busy", req.CallerID)
		if err := s.ch.SendReject(req.ConnectionID, s.opts.SelfID); err != nil {
			s.opts.Logger.Warnf("signal: reject busy call: %v", err)
		}
		return
	}
	s.peerID = req.CallerID
	s.pendingOffer = req.Offer
	s.setStateLocked(StateRinging)
	// 被叫侧兜底：主叫的超时挂断丢失时本地也要停止振铃
	s.armRingTimerLocked()
	s.mu.Unlock()
}

func (s *CallSession) handleAccepted(p protocol.CallAccepted) {
	if p.AccepterID == s.opts.SelfID {
		return
	}
	s.mu.Lock()
	if s.state != StateOffering {
		s.mu.Unlock()
		return
	}
	s.peerID = p.AccepterID
	s.stopRingTimerLocked()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		// answer 不可能先于我们发出的 offer 到达，丢弃
		return
	}

	if err := engine.AcceptAnswer(p.Answer); err != nil {
		s.opts.Logger.Errorf("Failed to apply answer: %v", err)
		s.fail(err)
		return
	}

	s.mu.Lock()
	if s.state != StateOffering {
		s.mu.Unlock()
		return
	}
	s.remoteDescSet = true
	s.setStateLocked(StateConnecting)
	pending := s.drainPendingLocked()
	s.mu.Unlock()

	s.flushCandidates(engine, pending)
}

func (s *CallSession) handleRejected(p protocol.CallRejected) {
	if p.RejecterID == s.opts.SelfID {
		return
	}
	s.mu.Lock()
	if s.state != StateOffering {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.teardown(StateEnded)
}

func (s *CallSession) handleCandidate(p protocol.ICECandidate) {
	if p.SenderID == s.opts.SelfID {
		return
	}
	s.mu.Lock()
	if s.engine == nil || !s.remoteDescSet {
		// remote description 未就绪，候选入队待刷
		s.pendingICE = append(s.pendingICE, p.Candidate)
		s.mu.Unlock()
		return
	}
	engine := s.engine
	s.mu.Unlock()

	if err := engine.AddRemoteCandidate(p.Candidate); err != nil {
		s.opts.Logger.Warnf("signal: add remote candidate: %v", err)
	}
}

func (s *CallSession) handleEnd(p protocol.EndCall) {
	if p.EnderID == s.opts.SelfID {
		return
	}
	s.mu.Lock()
	switch s.state {
	case StateRinging:
		// 主叫取消，被叫尚未建引擎
		s.clearCallLocked(StateEnded)
		s.mu.Unlock()
	case StateOffering, StateConnecting, StateActive:
		s.mu.Unlock()
		s.teardown(StateEnded)
	default:
		s.mu.Unlock()
	}
}

// ---- 内部 ----

// setupEngine 建引擎、采集媒体并接好回调
func (s *CallSession) setupEngine() (MediaEngine, error) {
	engine, err := s.opts.Engine()
	if err != nil {
		return nil, err
	}
	if err := engine.AcquireMedia(); err != nil {
		_ = engine.Close()
		return nil, err
	}

	engine.OnLocalCandidate(func(candidate json.RawMessage) {
		if candidate == nil {
			return
		}
		if err := s.ch.SendCandidate(s.opts.RoomID, s.opts.SelfID, candidate); err != nil {
			s.opts.Logger.Warnf("signal: send candidate: %v", err)
		}
	})
	engine.OnRemoteTrack(func(track RemoteTrack) {
		s.markActive(track)
	})

	s.mu.Lock()
	s.engine = engine
	s.release = new(sync.Once)
	s.remoteDescSet = false
	s.pendingICE = nil
	initAudio, initVideo := s.audioOn, s.videoOn
	s.mu.Unlock()

	engine.SetAudioEnabled(initAudio)
	engine.SetVideoEnabled(initVideo)
	return engine, nil
}

func (s *CallSession) markActive(track RemoteTrack) {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.connectedAt = time.Now()
	s.setStateLocked(StateActive)
	s.mu.Unlock()

	if s.opts.OnRemoteTrack != nil {
		s.opts.OnRemoteTrack(track)
	}
}

// drainPendingLocked 取走排队候选。须持锁调用
func (s *CallSession) drainPendingLocked() []json.RawMessage {
	pending := s.pendingICE
	s.pendingICE = nil
	return pending
}

func (s *CallSession) flushCandidates(engine MediaEngine, pending []json.RawMessage) {
	for _, candidate := range pending {
		if err := engine.AddRemoteCandidate(candidate); err != nil {
			s.opts.Logger.Warnf("signal: flush candidate: %v", err)
		}
	}
}

// armRingTimerLocked 超时无应答：主叫挂断，被叫本地停止振铃。须持锁调用
func (s *CallSession) armRingTimerLocked() {
	s.ringTimer = time.AfterFunc(s.opts.RingTimeout, func() {
		s.mu.Lock()
		switch s.state {
		case StateOffering:
			s.mu.Unlock()
			s.opts.Logger.Info("Call timed out waiting for answer")
			if err := s.ch.SendEnd(s.opts.RoomID, s.opts.SelfID); err != nil {
				s.opts.Logger.Warnf("signal: end timed out call: %v", err)
			}
			s.teardown(StateEnded)
		case StateRinging:
			s.clearCallLocked(StateEnded)
			s.mu.Unlock()
			s.opts.Logger.Info("Incoming call expired unanswered")
		default:
			s.mu.Unlock()
		}
	})
}

func (s *CallSession) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *CallSession) fail(err error) {
	s.opts.Logger.Errorf("Call failed: %v", err)
	s.teardown(StateFailed)
}

// teardown 结束本次通话并释放引擎
func (s *CallSession) teardown(final State) {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateEnded || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.stopRingTimerLocked()
	if !s.connectedAt.IsZero() && s.endedAt.IsZero() {
		s.endedAt = time.Now()
	}
	s.pendingOffer = nil
	s.pendingICE = nil
	s.remoteDescSet = false
	s.setStateLocked(final)
	s.mu.Unlock()

	s.releaseEngine()
}

// releaseEngine 引擎释放全局只走一次，重复挂断/失败路径是空操作
func (s *CallSession) releaseEngine() {
	s.mu.Lock()
	engine := s.engine
	once := s.release
	s.mu.Unlock()
	if engine == nil {
		return
	}
	once.Do(func() {
		if err := engine.Close(); err != nil {
			s.opts.Logger.Warnf("signal: close media engine: %v", err)
		}
	})
}

// clearCallLocked 未建引擎的轻量复位。须持锁调用
func (s *CallSession) clearCallLocked(final State) {
	s.stopRingTimerLocked()
	s.pendingOffer = nil
	s.pendingICE = nil
	s.remoteDescSet = false
	s.engine = nil
	s.peerID = ""
	s.connectedAt = time.Time{}
	s.endedAt = time.Time{}
	s.setStateLocked(final)
}

// rejectOnFailure 被叫接听失败时通知主叫不再等待
func (s *CallSession) rejectOnFailure() {
	if err := s.ch.SendReject(s.opts.RoomID, s.opts.SelfID); err != nil {
		s.opts.Logger.Warnf("signal: reject after failure: %v", err)
	}
}

func (s *CallSession) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if s.opts.OnStateChange != nil {
		fn := s.opts.OnStateChange
		state := next
		go fn(state)
	}
}
