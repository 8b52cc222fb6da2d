package services

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dermio/internal/config"
	"dermio/pkg/protocol"
)

// RoomClient 一条已认证的 WebSocket 连接
type RoomClient struct {
	ID     string
	UserID string
	Role   string
	Conn   *websocket.Conn
	Send   chan protocol.Envelope
	Hub    *RoomHub

	// 该连接已加入的房间，只在 Hub 主循环/锁内修改
	joined map[string]bool
	// Send 已关闭（注销或慢消费者被踢出）。置位后不得再写入，
	// 只在 Hub 主循环/锁内修改
	closed bool

	cfg config.RealtimeConfig
}

// NewRoomClient 包装升级完成的连接并挂到 Hub 上，启动读写泵
func NewRoomClient(hub *RoomHub, conn *websocket.Conn, userID, role string, cfg config.RealtimeConfig) *RoomClient {
	client := &RoomClient{
		ID:     "client_" + uuid.NewString(),
		UserID: userID,
		Role:   role,
		Conn:   conn,
		Send:   make(chan protocol.Envelope, cfg.SendBufferSize),
		Hub:    hub,
		joined: make(map[string]bool),
		cfg:    cfg,
	}

	hub.register <- client

	go client.writePump()
	go client.readPump()

	return client
}

func (c *RoomClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.Conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket error on client %s: %v", c.ID, err)
			}
			break
		}
		c.Hub.inbound <- inboundEvent{client: c, envelope: env}
	}
}

func (c *RoomClient) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(env); err != nil {
				logrus.Errorf("WriteJSON error on client %s: %v", c.ID, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newID() string {
	return uuid.NewString()
}
