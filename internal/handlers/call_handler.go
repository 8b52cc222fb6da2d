package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dermio/internal/middleware"
	"dermio/internal/services"
)

// CallHandler 通话历史的 REST 接口
type CallHandler struct {
	calls  *services.CallRecordService
	rooms  *services.RoomService
	logger *logrus.Logger
}

func NewCallHandler(calls *services.CallRecordService, rooms *services.RoomService, logger *logrus.Logger) *CallHandler {
	return &CallHandler{calls: calls, rooms: rooms, logger: logger}
}

func RegisterCallRoutes(rg *gin.RouterGroup, h *CallHandler) {
	rg.GET("/connections/:id/calls", h.History)
}

func (h *CallHandler) History(c *gin.Context) {
	roomID := c.Param("id")

	userID, expertID, err := h.rooms.Participants(roomID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "room not found"})
		return
	}
	caller := middleware.UserID(c)
	if caller != userID && caller != expertID {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "not a participant of this room"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := h.calls.History(roomID, limit)
	if err != nil {
		h.logger.Errorf("Load call history for room %s: %v", roomID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to load call history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": records})
}
