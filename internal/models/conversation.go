package models

import (
	"time"

	"gorm.io/gorm"
)

// Conversation is a chat thread bound to one model and provider for its lifetime.
type Conversation struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // UUIDv7 primary key.

	UserID   string `gorm:"type:varchar(64);not null;index:idx_conversations_owner_updated,priority:1"` // Owning user.
	Title    string `gorm:"type:varchar(200);not null"`                                                 // Display title.
	Model    string `gorm:"type:varchar(100);not null"`                                                 // Model identifier, fixed at creation.
	Provider string `gorm:"type:varchar(50);not null"`                                                  // Provider identifier, fixed at creation.
	IsActive bool   `gorm:"not null;default:true"`                                                      // Archive flag.

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"` // Ordered history.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"`                                                   // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime;index:idx_conversations_owner_updated,priority:2"` // Touched on every appended message.
}

// BeforeCreate assigns a time-ordered id.
func (c *Conversation) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	return nil
}
