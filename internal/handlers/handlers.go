package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dermio/internal/config"
	"dermio/internal/metrics"
	"dermio/internal/middleware"
	"dermio/internal/services"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

type WebSocketHandler struct {
	hub *services.RoomHub
	cfg *config.Config
}

func NewWebSocketHandler(hub *services.RoomHub, cfg *config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		cfg: cfg,
	}
}

// HandleWebSocket 将已认证的请求升级为 WebSocket 连接并接入房间路由器。
// 身份来自认证中间件，不信任客户端自报的 userId
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "identity required",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Error("WebSocket upgrade failed:", err)
		return
	}

	services.NewRoomClient(h.hub, conn, userID, middleware.Role(c), h.cfg.Realtime)
}

func (h *WebSocketHandler) GetStats(c *gin.Context) {
	stats := map[string]interface{}{
		"connected_clients": h.hub.GetClientCount(),
		"active_rooms":      h.hub.GetRoomCount(),
		"status":            "running",
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    stats,
	})
}

type HealthHandler struct {
	startedAt time.Time
}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{startedAt: time.Now()}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

type MetricsHandler struct {
	hub       *services.RoomHub
	startedAt time.Time
}

func NewMetricsHandler(hub *services.RoomHub) *MetricsHandler {
	return &MetricsHandler{
		hub:       hub,
		startedAt: time.Now(),
	}
}

// GetMetrics Prometheus exposition format
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain")

	connects, disconnects, messages, signals := metrics.Snapshot()

	b := &strings.Builder{}
	fmt.Fprintf(b, "# HELP dermio_uptime_seconds Total uptime of the dermio instance in seconds\n")
	fmt.Fprintf(b, "# TYPE dermio_uptime_seconds counter\n")
	fmt.Fprintf(b, "dermio_uptime_seconds %.0f\n\n", time.Since(h.startedAt).Seconds())

	fmt.Fprintf(b, "# HELP dermio_websocket_active_connections Active WebSocket connections\n")
	fmt.Fprintf(b, "# TYPE dermio_websocket_active_connections gauge\n")
	fmt.Fprintf(b, "dermio_websocket_active_connections %d\n\n", h.hub.GetClientCount())

	fmt.Fprintf(b, "# HELP dermio_active_rooms Rooms with at least one connected member\n")
	fmt.Fprintf(b, "# TYPE dermio_active_rooms gauge\n")
	fmt.Fprintf(b, "dermio_active_rooms %d\n\n", h.hub.GetRoomCount())

	fmt.Fprintf(b, "# HELP dermio_websocket_connects_total WebSocket connections accepted\n")
	fmt.Fprintf(b, "# TYPE dermio_websocket_connects_total counter\n")
	fmt.Fprintf(b, "dermio_websocket_connects_total %d\n\n", connects)

	fmt.Fprintf(b, "# HELP dermio_websocket_disconnects_total WebSocket connections closed\n")
	fmt.Fprintf(b, "# TYPE dermio_websocket_disconnects_total counter\n")
	fmt.Fprintf(b, "dermio_websocket_disconnects_total %d\n\n", disconnects)

	fmt.Fprintf(b, "# HELP dermio_messages_routed_total Chat messages fanned out to rooms\n")
	fmt.Fprintf(b, "# TYPE dermio_messages_routed_total counter\n")
	fmt.Fprintf(b, "dermio_messages_routed_total %d\n\n", messages)

	fmt.Fprintf(b, "# HELP dermio_call_signals_total Call signaling events relayed, by type\n")
	fmt.Fprintf(b, "# TYPE dermio_call_signals_total counter\n")
	for eventType, count := range signals {
		fmt.Fprintf(b, "dermio_call_signals_total{type=%q} %d\n", eventType, count)
	}

	c.String(http.StatusOK, b.String())
}
