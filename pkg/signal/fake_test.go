package signal

import (
	"encoding/json"
	"sync"
	"testing"

	"dermio/pkg/protocol"
)

// fakeTransport 进程内传输替身：Emit 的帧入队可查，
// deliver 模拟服务端下行
type fakeTransport struct {
	mu       sync.Mutex
	emitted  []protocol.Envelope
	handlers map[string]map[int]func(protocol.Envelope)
	connSubs map[int]func()
	discSubs map[int]func()
	nextID   int
	emitErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]map[int]func(protocol.Envelope)),
		connSubs: make(map[int]func()),
		discSubs: make(map[int]func()),
	}
}

func (f *fakeTransport) Emit(eventType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	f.emitted = append(f.emitted, env)
	return nil
}

func (f *fakeTransport) On(eventType string, fn func(protocol.Envelope)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[eventType] == nil {
		f.handlers[eventType] = make(map[int]func(protocol.Envelope))
	}
	f.nextID++
	id := f.nextID
	f.handlers[eventType][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[eventType], id)
	}
}

func (f *fakeTransport) OnConnected(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.connSubs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.connSubs, id)
	}
}

func (f *fakeTransport) OnDisconnected(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.discSubs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.discSubs, id)
	}
}

// deliver 把一条下行事件同步送进所有订阅者
func (f *fakeTransport) deliver(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	f.mu.Lock()
	fns := make([]func(protocol.Envelope), 0, len(f.handlers[eventType]))
	for _, fn := range f.handlers[eventType] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (f *fakeTransport) fireConnected() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.connSubs))
	for _, fn := range f.connSubs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// sent 返回指定类型的上行帧
func (f *fakeTransport) sent(eventType string) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range f.emitted {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) sentCount(eventType string) int {
	return len(f.sent(eventType))
}

func (f *fakeTransport) setEmitErr(err error) {
	f.mu.Lock()
	f.emitErr = err
	f.mu.Unlock()
}

// fakeEngine 可脚本化的媒体引擎替身
type fakeEngine struct {
	mu            sync.Mutex
	acquireErr    error
	offerErr      error
	answerErr     error
	acceptErr     error
	candidates    []json.RawMessage
	closed        int
	audioEnabled  bool
	videoEnabled  bool
	onTrack       func(RemoteTrack)
	remoteDescSet bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{audioEnabled: true, videoEnabled: true}
}

func (e *fakeEngine) AcquireMedia() error { return e.acquireErr }

func (e *fakeEngine) CreateOffer() (json.RawMessage, error) {
	if e.offerErr != nil {
		return nil, e.offerErr
	}
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (e *fakeEngine) CreateAnswer(offer json.RawMessage) (json.RawMessage, error) {
	if e.answerErr != nil {
		return nil, e.answerErr
	}
	e.mu.Lock()
	e.remoteDescSet = true
	e.mu.Unlock()
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (e *fakeEngine) AcceptAnswer(answer json.RawMessage) error {
	if e.acceptErr != nil {
		return e.acceptErr
	}
	e.mu.Lock()
	e.remoteDescSet = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(candidate json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, candidate)
	return nil
}

func (e *fakeEngine) OnLocalCandidate(fn func(json.RawMessage)) {}

func (e *fakeEngine) OnRemoteTrack(fn func(RemoteTrack)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *fakeEngine) SetAudioEnabled(enabled bool) {
	e.mu.Lock()
	e.audioEnabled = enabled
	e.mu.Unlock()
}

func (e *fakeEngine) SetVideoEnabled(enabled bool) {
	e.mu.Lock()
	e.videoEnabled = enabled
	e.mu.Unlock()
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) candidateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.candidates)
}

func (e *fakeEngine) emitRemoteTrack(track RemoteTrack) {
	e.mu.Lock()
	fn := e.onTrack
	e.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}
