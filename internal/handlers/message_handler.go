package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dermio/internal/middleware"
	"dermio/internal/services"
)

// MessageHandler 聊天历史与已读回执的 REST 接口。客户端在进入聊天界面
// 或重连后先拉取历史，再依赖实时通道的增量事件
type MessageHandler struct {
	messages *services.MessageService
	rooms    *services.RoomService
	logger   *logrus.Logger
}

func NewMessageHandler(messages *services.MessageService, rooms *services.RoomService, logger *logrus.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, rooms: rooms, logger: logger}
}

func RegisterMessageRoutes(rg *gin.RouterGroup, h *MessageHandler) {
	rg.GET("/connections/:id/messages", h.History)
	rg.PUT("/connections/:id/messages/delivered", h.MarkDelivered)
	rg.PUT("/connections/:id/messages/seen", h.MarkSeen)
}

func (h *MessageHandler) History(c *gin.Context) {
	roomID := c.Param("id")
	if !h.authorize(c, roomID) {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	messages, err := h.messages.History(roomID, limit)
	if err != nil {
		h.logger.Errorf("Load history for room %s: %v", roomID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to load history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": messages})
}

func (h *MessageHandler) MarkDelivered(c *gin.Context) {
	roomID := c.Param("id")
	if !h.authorize(c, roomID) {
		return
	}

	if err := h.messages.MarkDelivered(roomID, middleware.UserID(c)); err != nil {
		h.logger.Errorf("Mark delivered in room %s: %v", roomID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to update status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *MessageHandler) MarkSeen(c *gin.Context) {
	roomID := c.Param("id")
	if !h.authorize(c, roomID) {
		return
	}

	if err := h.messages.MarkSeen(roomID, middleware.UserID(c)); err != nil {
		h.logger.Errorf("Mark seen in room %s: %v", roomID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to update status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// authorize 确认请求者是房间参与者，否则直接写响应并返回 false
func (h *MessageHandler) authorize(c *gin.Context, roomID string) bool {
	userID, expertID, err := h.rooms.Participants(roomID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "room not found"})
		return false
	}
	caller := middleware.UserID(c)
	if caller != userID && caller != expertID {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "not a participant of this room"})
		return false
	}
	return true
}
