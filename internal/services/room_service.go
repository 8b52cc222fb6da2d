package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dermio/internal/models"
)

var (
	ErrNotPending        = errors.New("connection is not pending")
	ErrNotAssignedExpert = errors.New("only the requested expert may decide")
	ErrDuplicateRequest  = errors.New("an active connection with this expert already exists")
)

// RoomService 管理用户与专家之间的连接房间生命周期：
// 申请 -> 专家接受/拒绝 -> （可选）断开（软删除）
type RoomService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRoomService(db *gorm.DB, logger *logrus.Logger) *RoomService {
	return &RoomService{db: db, logger: logger}
}

// RequestConnection 用户向专家发起连接申请
func (s *RoomService) RequestConnection(userID, expertID string) (*models.ConnectionRoom, error) {
	var expert models.User
	if err := s.db.First(&expert, "id = ? AND role = ?", expertID, models.SenderTypeExpert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("expert %s not found", expertID)
		}
		return nil, fmt.Errorf("load expert: %w", err)
	}

	// 同一对 user/expert 之间最多一个未拒绝的房间
	var existing models.ConnectionRoom
	err := s.db.Where("user_id = ? AND expert_id = ? AND status <> ?",
		userID, expertID, models.RoomStatusRejected).First(&existing).Error
	if err == nil {
		return nil, ErrDuplicateRequest
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("check existing connection: %w", err)
	}

	room := &models.ConnectionRoom{
		ID:       uuid.NewString(),
		UserID:   userID,
		ExpertID: expertID,
		Status:   models.RoomStatusPending,
	}
	if err := s.db.Create(room).Error; err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}

	s.logger.Infof("Connection %s requested: user %s -> expert %s", room.ID, userID, expertID)
	return room, nil
}

// Accept 专家接受连接申请
func (s *RoomService) Accept(roomID, expertID string) (*models.ConnectionRoom, error) {
	return s.decide(roomID, expertID, models.RoomStatusAccepted)
}

// Reject 专家拒绝连接申请
func (s *RoomService) Reject(roomID, expertID string) (*models.ConnectionRoom, error) {
	return s.decide(roomID, expertID, models.RoomStatusRejected)
}

func (s *RoomService) decide(roomID, expertID, status string) (*models.ConnectionRoom, error) {
	var room models.ConnectionRoom
	if err := s.db.First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("load room: %w", err)
	}
	if room.ExpertID != expertID {
		return nil, ErrNotAssignedExpert
	}
	if room.Status != models.RoomStatusPending {
		return nil, ErrNotPending
	}

	room.Status = status
	if err := s.db.Save(&room).Error; err != nil {
		return nil, fmt.Errorf("update connection: %w", err)
	}

	s.logger.Infof("Connection %s %s by expert %s", roomID, status, expertID)
	return &room, nil
}

// Disconnect 软删除房间。记录保留，只是不再出现在列表与事件作用域中
func (s *RoomService) Disconnect(roomID, participantID string) error {
	var room models.ConnectionRoom
	if err := s.db.First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRoomNotFound
		}
		return fmt.Errorf("load room: %w", err)
	}
	if room.UserID != participantID && room.ExpertID != participantID {
		return ErrNotParticipant
	}
	if err := s.db.Delete(&room).Error; err != nil {
		return fmt.Errorf("disconnect room: %w", err)
	}
	return nil
}

// ListForParticipant 返回某参与者（用户或专家）的全部房间
func (s *RoomService) ListForParticipant(participantID string) ([]models.ConnectionRoom, error) {
	var rooms []models.ConnectionRoom
	err := s.db.Where("user_id = ? OR expert_id = ?", participantID, participantID).
		Order("updated_at DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return rooms, nil
}

// Participants 实现 RoomParticipantLookup，供 Hub 校验 join_room
func (s *RoomService) Participants(roomID string) (string, string, error) {
	var room models.ConnectionRoom
	if err := s.db.Select("user_id", "expert_id").First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", ErrRoomNotFound
		}
		return "", "", fmt.Errorf("load room: %w", err)
	}
	return room.UserID, room.ExpertID, nil
}
