package models

import (
	"time"

	"gorm.io/gorm"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one append-only entry in a conversation.
type Message struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // UUIDv7 primary key, tie-breaks createdAt.

	ConversationID string `gorm:"type:varchar(36);not null;index:idx_messages_conversation_created,priority:1"` // Parent conversation.
	Role           string `gorm:"type:varchar(16);not null"`                                                    // user, assistant or system.
	Content        string `gorm:"type:text;not null"`                                                           // Trimmed message text.
	Model          string `gorm:"type:varchar(100);not null"`                                                   // Model that produced or received it.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index:idx_messages_conversation_created,priority:2"` // Ordering key.
}

// BeforeCreate assigns a time-ordered id.
func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	return nil
}

// ValidRole reports whether role is a known message role.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}
