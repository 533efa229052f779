package models

import (
	"time"

	"gorm.io/gorm"
)

// APIKey stores an encrypted provider credential owned by a user.
type APIKey struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // UUIDv7 primary key.

	UserID       string `gorm:"type:varchar(64);not null;index:idx_api_keys_owner_provider,priority:1"` // Owning user.
	Provider     string `gorm:"type:varchar(50);not null;index:idx_api_keys_owner_provider,priority:2"` // Lowercase provider identifier.
	EncryptedKey string `gorm:"type:text;not null"`                                                     // Vault envelope, never plaintext.
	Label        string `gorm:"type:varchar(100);not null"`                                             // User-facing label.
	IsActive     bool   `gorm:"not null;default:true"`                                                  // Soft enable flag.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp; newest active key wins.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
}

// TableName overrides the default table name.
func (APIKey) TableName() string {
	return "api_keys"
}

// BeforeCreate assigns a time-ordered id.
func (k *APIKey) BeforeCreate(_ *gorm.DB) error {
	if k.ID == "" {
		k.ID = NewID()
	}
	return nil
}
