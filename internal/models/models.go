package models

import (
	"time"

	"gorm.io/gorm"
)

// 发送方角色
const (
	SenderTypeUser   = "user"
	SenderTypeExpert = "expert"
)

// 连接申请状态
const (
	RoomStatusPending  = "pending"
	RoomStatusAccepted = "accepted"
	RoomStatusRejected = "rejected"
)

// 消息投递状态，只允许单向推进：sent -> delivered -> seen
const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusSeen      = "seen"
)

// 通话结果
const (
	CallOutcomeCompleted = "completed"
	CallOutcomeRejected  = "rejected"
	CallOutcomeMissed    = "missed"
	CallOutcomeFailed    = "failed"
)

// 用户模型（普通用户与专家共用，以 Role 区分）
type User struct {
	ID        string         `gorm:"primaryKey;type:uuid" json:"id"`
	Username  string         `gorm:"unique;not null" json:"username"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	Avatar    string         `json:"avatar"`
	Role      string         `gorm:"default:'user'" json:"role"` // user, expert
	Specialty string         `json:"specialty"`                  // 专家专长（皮肤科方向），普通用户为空
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 连接房间：一个用户与一个专家之间的持久配对，作为所有实时事件的作用域
type ConnectionRoom struct {
	ID        string         `gorm:"primaryKey;type:uuid" json:"id"`
	UserID    string         `gorm:"index;not null" json:"user_id"`
	ExpertID  string         `gorm:"index;not null" json:"expert_id"`
	Status    string         `gorm:"default:'pending'" json:"status"` // pending, accepted, rejected
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"` // 软删除即“断开连接”，记录永不物理删除

	User   User `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Expert User `gorm:"foreignKey:ExpertID" json:"expert,omitempty"`
}

// 聊天消息。Timestamp 由服务端赋值，作为全局排序依据
type ChatMessage struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	ConnectionID string    `gorm:"index;not null" json:"connection_id"`
	SenderID     string    `gorm:"index;not null" json:"sender_id"`
	SenderType   string    `gorm:"not null" json:"sender_type"` // user, expert
	Text         string    `gorm:"type:text" json:"text"`
	Image        string    `gorm:"type:text" json:"image,omitempty"` // data URI 或 URL
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	Status       string    `gorm:"default:'sent'" json:"status"` // sent, delivered, seen
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasContent 消息不变式：text 与 image 至少一个非空
func (m *ChatMessage) HasContent() bool {
	return m.Text != "" || m.Image != ""
}

// 通话记录，用于通话历史展示与时长统计
type CallRecord struct {
	ID           string     `gorm:"primaryKey;type:uuid" json:"id"`
	ConnectionID string     `gorm:"index;not null" json:"connection_id"`
	CallerID     string     `gorm:"not null" json:"caller_id"`
	CalleeID     string     `gorm:"not null" json:"callee_id"`
	Outcome      string     `json:"outcome"` // completed, rejected, missed, failed
	StartedAt    *time.Time `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
	Duration     int        `json:"duration"` // 秒
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
