// Package signal is the dermio client SDK for the real-time channel: one
// reconnecting WebSocket connection per client, room membership, chat
// delivery and call signaling on top of it. All callbacks run on the
// connection's read goroutine and must not block.
package signal

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dermio/pkg/protocol"
)

var ErrNotConnected = errors.New("signal: not connected")

// Transport 是聊天/呼叫通道对底层连接的依赖面，便于测试替换
type Transport interface {
	Emit(eventType string, payload interface{}) error
	On(eventType string, fn func(protocol.Envelope)) (unsubscribe func())
}

// LifecycleTransport 在 Transport 之上增加连接生命周期通知
type LifecycleTransport interface {
	Transport
	OnConnected(fn func()) (unsubscribe func())
	OnDisconnected(fn func()) (unsubscribe func())
}

// ConnOptions 连接参数。零值字段取默认
type ConnOptions struct {
	// Token 以 query 参数附加，服务端认证中间件接受该形式
	Token string
	// ReconnectInitial/ReconnectMax 指数退避的起点与上限
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Dialer           *websocket.Dialer
	Logger           *logrus.Logger
}

// Conn 维护到信令服务器的一条持久连接，断开后按指数退避自动重连。
// 生命周期归登录会话所有：登录时构造，登出时 Disconnect，
// 避免跨用户泄漏监听器
type Conn struct {
	url    string
	opts   ConnOptions
	logger *logrus.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	ws        *websocket.Conn
	started   bool
	closed    bool
	handlers  map[string][]handlerEntry
	nextID    int
	closeDone chan struct{}
}

type handlerEntry struct {
	id int
	fn func(protocol.Envelope)
}

// 生命周期伪事件，只在本地派发，不上行
const (
	lifecycleConnected    = "_connected"
	lifecycleDisconnected = "_disconnected"
)

func NewConn(url string, opts ConnOptions) *Conn {
	if opts.ReconnectInitial == 0 {
		opts.ReconnectInitial = 250 * time.Millisecond
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Conn{
		url:      url,
		opts:     opts,
		logger:   logger,
		handlers: make(map[string][]handlerEntry),
	}
}

// Connect 幂等：已经启动时再次调用是 no-op。连接管理协程负责拨号、
// 读循环与重连，直到 Disconnect
func (c *Conn) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	c.closeDone = make(chan struct{})
	go c.manage()
}

// Disconnect 断开连接并清空所有监听器。登出时必须调用，
// 否则下一个登录用户会收到上一个用户的消息回调
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.handlers = make(map[string][]handlerEntry)
	done := c.closeDone
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	if done != nil {
		<-done
	}
}

// Emit 向服务器发送一帧。未连接时返回 ErrNotConnected，调用方决定重试策略
func (c *Conn) Emit(eventType string, payload interface{}) error {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	// 底层连接同一时刻只允许一个写者，而去抖/振铃定时器协程
	// 会与调用方并发 Emit
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteJSON(env); err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	return nil
}

// On 注册某事件类型的回调，返回只移除该回调的注销函数。
// 同一事件允许多个订阅者，彼此生命周期独立
func (c *Conn) On(eventType string, fn func(protocol.Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[eventType] = append(c.handlers[eventType], handlerEntry{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.handlers[eventType]
		for i, e := range entries {
			if e.id == id {
				c.handlers[eventType] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// OnConnected 连接（含重连）成功后回调。上层用它重新加入房间：
// 房间成员关系不跨重连存活
func (c *Conn) OnConnected(fn func()) func() {
	return c.On(lifecycleConnected, func(protocol.Envelope) { fn() })
}

// OnDisconnected 连接断开后回调
func (c *Conn) OnDisconnected(fn func()) func() {
	return c.On(lifecycleDisconnected, func(protocol.Envelope) { fn() })
}

// manage 拨号 -> 读循环 -> 退避重连，直到关闭
func (c *Conn) manage() {
	defer close(c.closeDone)

	backoff := c.opts.ReconnectInitial
	for {
		if c.isClosed() {
			return
		}

		ws, err := c.dial()
		if err != nil {
			c.logger.Warnf("signal: dial %s failed: %v (retry in %v)", c.url, err, backoff)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.opts.ReconnectMax)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()

		backoff = c.opts.ReconnectInitial
		c.dispatch(protocol.Envelope{Type: lifecycleConnected})

		c.readLoop(ws)

		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		closed := c.closed
		c.mu.Unlock()

		c.dispatch(protocol.Envelope{Type: lifecycleDisconnected})
		if closed {
			return
		}
		c.logger.Infof("signal: connection lost, reconnecting in %v", backoff)
		if !c.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.opts.ReconnectMax)
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	url := c.url
	if c.opts.Token != "" {
		sep := "?"
		for _, r := range url {
			if r == '?' {
				sep = "&"
				break
			}
		}
		url += sep + "token=" + c.opts.Token
	}
	ws, resp, err := c.opts.Dialer.Dial(url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			ws.Close()
			return
		}
		if env.Type == "" {
			c.logger.Warn("signal: dropping frame without type")
			continue
		}
		c.dispatch(env)
	}
}

// dispatch 在读协程上逐个调用订阅者。回调必须短且不阻塞
func (c *Conn) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	entries := make([]handlerEntry, len(c.handlers[env.Type]))
	copy(entries, c.handlers[env.Type])
	c.mu.Unlock()

	for _, e := range entries {
		e.fn(env)
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// sleep 可被 Disconnect 打断；返回 false 表示连接已关闭
func (c *Conn) sleep(d time.Duration) bool {
	deadline := time.After(d)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return true
		case <-ticker.C:
			if c.isClosed() {
				return false
			}
		}
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
