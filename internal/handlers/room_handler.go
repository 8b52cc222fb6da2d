package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dermio/internal/middleware"
	"dermio/internal/models"
	"dermio/internal/services"
)

// RoomHandler 连接房间的 REST 接口：申请、接受/拒绝、断开、列表
type RoomHandler struct {
	rooms  *services.RoomService
	logger *logrus.Logger
}

func NewRoomHandler(rooms *services.RoomService, logger *logrus.Logger) *RoomHandler {
	return &RoomHandler{rooms: rooms, logger: logger}
}

func RegisterRoomRoutes(rg *gin.RouterGroup, h *RoomHandler) {
	rg.POST("/connections", h.Request)
	rg.GET("/connections", h.List)
	rg.PUT("/connections/:id/accept", h.Accept)
	rg.PUT("/connections/:id/reject", h.Reject)
	rg.DELETE("/connections/:id", h.Disconnect)
}

type connectionRequest struct {
	ExpertID string `json:"expert_id" binding:"required"`
}

func (h *RoomHandler) Request(c *gin.Context) {
	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	room, err := h.rooms.RequestConnection(middleware.UserID(c), req.ExpertID)
	if err != nil {
		if errors.Is(err, services.ErrDuplicateRequest) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
			return
		}
		h.logger.Errorf("Request connection failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": room})
}

func (h *RoomHandler) List(c *gin.Context) {
	rooms, err := h.rooms.ListForParticipant(middleware.UserID(c))
	if err != nil {
		h.logger.Errorf("List connections failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to list connections"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": rooms})
}

func (h *RoomHandler) Accept(c *gin.Context) {
	h.decide(c, h.rooms.Accept)
}

func (h *RoomHandler) Reject(c *gin.Context) {
	h.decide(c, h.rooms.Reject)
}

func (h *RoomHandler) decide(c *gin.Context, fn func(roomID, expertID string) (*models.ConnectionRoom, error)) {
	// 只有专家能裁决连接申请
	if middleware.Role(c) != models.SenderTypeExpert {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "expert role required"})
		return
	}

	room, err := fn(c.Param("id"), middleware.UserID(c))
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, services.ErrRoomNotFound):
			status = http.StatusNotFound
		case errors.Is(err, services.ErrNotAssignedExpert):
			status = http.StatusForbidden
		case errors.Is(err, services.ErrNotPending):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": room})
}

func (h *RoomHandler) Disconnect(c *gin.Context) {
	err := h.rooms.Disconnect(c.Param("id"), middleware.UserID(c))
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, services.ErrRoomNotFound):
			status = http.StatusNotFound
		case errors.Is(err, services.ErrNotParticipant):
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
