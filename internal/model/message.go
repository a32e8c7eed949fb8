package model

import "time"

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

type Message struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	SessionID uint       `gorm:"not null;index" json:"session_id"`
	UserID    uint       `gorm:"not null;index" json:"user_id"`
	Role      string     `gorm:"size:16;not null;index" json:"role"`
	Content   string     `gorm:"type:text;not null" json:"content"`
	Sources   StringList `gorm:"type:text" json:"sources,omitempty"`
	Fallback  bool       `gorm:"not null;default:false" json:"fallback,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
