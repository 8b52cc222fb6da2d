package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dermio/internal/models"
	"dermio/pkg/protocol"
)

var (
	ErrEmptyMessage   = errors.New("message requires text or image")
	ErrBadSenderType  = errors.New("sender type must be user or expert")
	ErrRoomNotFound   = errors.New("connection room not found")
	ErrNotParticipant = errors.New("sender is not a participant of the room")
)

// MessageService 聊天消息的持久化与检索。时间戳由这里统一赋值，
// 是全房间消息排序的唯一依据
type MessageService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewMessageService(db *gorm.DB, logger *logrus.Logger) *MessageService {
	return &MessageService{db: db, logger: logger}
}

// PersistInbound 校验并落库一条入站消息，返回带服务端 id 与时间戳的记录
func (s *MessageService) PersistInbound(p protocol.SendMessage) (*models.ChatMessage, error) {
	if strings.TrimSpace(p.Text) == "" && p.Image == "" {
		return nil, ErrEmptyMessage
	}
	if p.SenderType != models.SenderTypeUser && p.SenderType != models.SenderTypeExpert {
		return nil, ErrBadSenderType
	}

	var room models.ConnectionRoom
	if err := s.db.First(&room, "id = ?", p.ConnectionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("load room: %w", err)
	}
	if p.SenderID != room.UserID && p.SenderID != room.ExpertID {
		return nil, ErrNotParticipant
	}

	msg := &models.ChatMessage{
		ID:           uuid.NewString(),
		ConnectionID: p.ConnectionID,
		SenderID:     p.SenderID,
		SenderType:   p.SenderType,
		Text:         p.Text,
		Image:        p.Image,
		Timestamp:    time.Now().UTC(),
		Status:       models.MessageStatusSent,
	}
	if err := s.db.Create(msg).Error; err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"room_id":    msg.ConnectionID,
		"sender":     msg.SenderID,
	}).Debug("Message persisted")

	return msg, nil
}

// History 返回房间内最近 limit 条消息，按时间戳升序。重连后客户端用它
// 重建本地序列，而不是依赖实时通道补发
func (s *MessageService) History(roomID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	// 倒序取最近一页，再翻转回升序展示
	var messages []models.ChatMessage
	err := s.db.Where("connection_id = ?", roomID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	reverseMessages(messages)
	return messages, nil
}

func reverseMessages(msgs []models.ChatMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// MarkDelivered 将对方发来的 sent 消息标记为 delivered
func (s *MessageService) MarkDelivered(roomID, recipientID string) error {
	return s.advanceStatus(roomID, recipientID, models.MessageStatusSent, models.MessageStatusDelivered)
}

// MarkSeen 将对方发来的未读消息标记为 seen。seen 是终态，之后不再变更
func (s *MessageService) MarkSeen(roomID, readerID string) error {
	err := s.advanceStatus(roomID, readerID, models.MessageStatusSent, models.MessageStatusSeen)
	if err != nil {
		return err
	}
	return s.advanceStatus(roomID, readerID, models.MessageStatusDelivered, models.MessageStatusSeen)
}

// advanceStatus 状态只向前推进：sent -> delivered -> seen
func (s *MessageService) advanceStatus(roomID, recipientID, from, to string) error {
	err := s.db.Model(&models.ChatMessage{}).
		Where("connection_id = ? AND sender_id <> ? AND status = ?", roomID, recipientID, from).
		Update("status", to).Error
	if err != nil {
		return fmt.Errorf("advance message status %s->%s: %w", from, to, err)
	}
	return nil
}
