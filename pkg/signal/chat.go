package signal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dermio/pkg/protocol"
)

var ErrEmptyMessage = errors.New("signal: message requires text or image")

// HistoryFetcher 拉取某房间的持久化历史，由调用方注入（REST 客户端）。
// 实时通道不补发断线期间的消息，重连后必须重新拉取
type HistoryFetcher func(ctx context.Context, roomID string) ([]protocol.NewMessage, error)

// ChatOptions 聊天通道参数
type ChatOptions struct {
	// TypingIdle 打字指示器的空闲窗口：本端停键后多久发 stop_typing，
	// 对端超过该窗口未续报时本地强制清除指示
	TypingIdle time.Duration
	// Fetch 历史拉取，可为空（不做历史重建）
	Fetch  HistoryFetcher
	Logger *logrus.Logger
}

// ChatChannel 房间内的聊天收发：消息、打字指示。消息先进本地 store
// 去重排序，只有新消息才通知订阅者
type ChatChannel struct {
	conn  Transport
	store *MessageStore
	opts  ChatOptions

	mu sync.Mutex
	// 本端打字去抖：房间 -> 到期即发 stop_typing 的定时器
	typingTimers map[string]*time.Timer
	// 对端指示兜底过期：userID -> 定时器。发送方崩溃或退后台时
	// 不能让对端永远显示“正在输入”
	peerTimers map[string]*time.Timer

	msgSubs    *callbackList[protocol.NewMessage]
	typingSubs *callbackList[string]
	stopSubs   *callbackList[string]

	unsubs    []func()
	closeOnce sync.Once
}

func NewChatChannel(conn Transport, opts ChatOptions) *ChatChannel {
	if opts.TypingIdle == 0 {
		opts.TypingIdle = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ch := &ChatChannel{
		conn:         conn,
		store:        NewMessageStore(),
		opts:         opts,
		typingTimers: make(map[string]*time.Timer),
		peerTimers:   make(map[string]*time.Timer),
		msgSubs:      newCallbackList[protocol.NewMessage](),
		typingSubs:   newCallbackList[string](),
		stopSubs:     newCallbackList[string](),
	}

	ch.unsubs = append(ch.unsubs,
		conn.On(protocol.EventNewMessage, ch.handleNewMessage),
		conn.On(protocol.EventUserTyping, ch.handleUserTyping),
		conn.On(protocol.EventUserStoppedTyping, ch.handleUserStoppedTyping),
	)
	return ch
}

// SendMessage 发送一条消息。发后即忘：本地不做乐观回显，
// 待服务端回显 new_message 后经由 store 进入本地序列
func (c *ChatChannel) SendMessage(roomID, senderID, senderRole, text, image string) error {
	if strings.TrimSpace(text) == "" && image == "" {
		return ErrEmptyMessage
	}
	return c.conn.Emit(protocol.EventSendMessage, protocol.SendMessage{
		ConnectionID: roomID,
		SenderID:     senderID,
		SenderType:   senderRole,
		Text:         text,
		Image:        image,
	})
}

// OnMessage 订阅新消息（本房间首次出现的，回显重复帧已被吸收）
func (c *ChatChannel) OnMessage(fn func(protocol.NewMessage)) func() {
	return c.msgSubs.add(fn)
}

// OnTyping 订阅对端开始打字，参数为 userID
func (c *ChatChannel) OnTyping(fn func(string)) func() {
	return c.typingSubs.add(fn)
}

// OnStopTyping 订阅对端停止打字（显式事件或本地兜底过期）
func (c *ChatChannel) OnStopTyping(fn func(string)) func() {
	return c.stopSubs.add(fn)
}

// NotifyTyping 每次击键调用。首次击键上行 typing，之后只重置去抖定时器；
// 空闲窗口到期自动上行 stop_typing
func (c *ChatChannel) NotifyTyping(roomID, userID string) {
	c.mu.Lock()
	timer, active := c.typingTimers[roomID]
	if active {
		timer.Reset(c.opts.TypingIdle)
		c.mu.Unlock()
		return
	}
	c.typingTimers[roomID] = time.AfterFunc(c.opts.TypingIdle, func() {
		c.StopTypingNow(roomID, userID)
	})
	c.mu.Unlock()

	if err := c.conn.Emit(protocol.EventTyping, protocol.Typing{ConnectionID: roomID, UserID: userID}); err != nil {
		c.opts.Logger.Debugf("signal: emit typing: %v", err)
	}
}

// StopTypingNow 立即上行 stop_typing（发送消息后调用），并取消去抖定时器
func (c *ChatChannel) StopTypingNow(roomID, userID string) {
	c.mu.Lock()
	if timer, ok := c.typingTimers[roomID]; ok {
		timer.Stop()
		delete(c.typingTimers, roomID)
	} else {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.conn.Emit(protocol.EventStopTyping, protocol.Typing{ConnectionID: roomID, UserID: userID}); err != nil {
		c.opts.Logger.Debugf("signal: emit stop_typing: %v", err)
	}
}

// Refresh 拉取持久化历史重建本地序列。进入聊天界面与重连后各调一次
func (c *ChatChannel) Refresh(ctx context.Context, roomID string) error {
	if c.opts.Fetch == nil {
		return nil
	}
	history, err := c.opts.Fetch(ctx, roomID)
	if err != nil {
		return err
	}
	c.store.Seed(roomID, history)
	return nil
}

// Messages 当前本地序列，时间戳升序
func (c *ChatChannel) Messages(roomID string) []protocol.NewMessage {
	return c.store.Messages(roomID)
}

// Close 注销底层订阅并停掉所有定时器
func (c *ChatChannel) Close() {
	c.closeOnce.Do(func() {
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.mu.Lock()
		for _, t := range c.typingTimers {
			t.Stop()
		}
		for _, t := range c.peerTimers {
			t.Stop()
		}
		c.typingTimers = make(map[string]*time.Timer)
		c.peerTimers = make(map[string]*time.Timer)
		c.mu.Unlock()
	})
}

func (c *ChatChannel) handleNewMessage(env protocol.Envelope) {
	var msg protocol.NewMessage
	if err := env.DecodeInto(&msg); err != nil {
		c.opts.Logger.Warnf("signal: %v", err)
		return
	}
	if msg.ID == "" || msg.ConnectionID == "" {
		c.opts.Logger.Warn("signal: dropping new_message without id or room")
		return
	}
	// 回显去重：同一 id 只进入序列一次，也只通知一次
	if !c.store.Add(msg) {
		return
	}
	c.msgSubs.invoke(msg)
}

func (c *ChatChannel) handleUserTyping(env protocol.Envelope) {
	var p protocol.UserTyping
	if err := env.DecodeInto(&p); err != nil || p.UserID == "" {
		return
	}

	// 兜底过期：指示窗口 = 空闲窗口 + 半秒容差
	c.mu.Lock()
	if timer, ok := c.peerTimers[p.UserID]; ok {
		timer.Reset(c.opts.TypingIdle + 500*time.Millisecond)
	} else {
		c.peerTimers[p.UserID] = time.AfterFunc(c.opts.TypingIdle+500*time.Millisecond, func() {
			c.expirePeerTyping(p.UserID)
		})
	}
	c.mu.Unlock()

	c.typingSubs.invoke(p.UserID)
}

func (c *ChatChannel) handleUserStoppedTyping(env protocol.Envelope) {
	var p protocol.UserTyping
	if err := env.DecodeInto(&p); err != nil || p.UserID == "" {
		return
	}
	c.clearPeerTimer(p.UserID)
	c.stopSubs.invoke(p.UserID)
}

// expirePeerTyping 没收到显式 stop_typing 时由本地定时器合成停止通知
func (c *ChatChannel) expirePeerTyping(userID string) {
	c.clearPeerTimer(userID)
	c.stopSubs.invoke(userID)
}

func (c *ChatChannel) clearPeerTimer(userID string) {
	c.mu.Lock()
	if timer, ok := c.peerTimers[userID]; ok {
		timer.Stop()
		delete(c.peerTimers, userID)
	}
	c.mu.Unlock()
}

// callbackList 支持多订阅者且注销互不影响的回调表
type callbackList[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries map[int]func(T)
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{entries: make(map[int]func(T))}
}

func (l *callbackList[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.entries[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.entries, id)
	}
}

func (l *callbackList[T]) invoke(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.entries))
	for _, fn := range l.entries {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
