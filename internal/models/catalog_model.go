package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CatalogModel is a read-only model catalog entry.
type CatalogModel struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // UUIDv7 primary key.

	Provider    string `gorm:"type:varchar(50);not null;uniqueIndex:idx_models_provider_model,priority:1"`  // Lowercase provider identifier.
	ModelID     string `gorm:"type:varchar(100);not null;uniqueIndex:idx_models_provider_model,priority:2"` // Upstream model id.
	DisplayName string `gorm:"type:varchar(255);not null"`                                                  // Human readable name.
	Description string `gorm:"type:text"`                                                                   // Optional description.
	IsActive    bool   `gorm:"not null;default:true;index"`                                                 // Visible in the catalog.

	ContextLimit int            `gorm:"not null;default:0"`               // Max context length.
	OutputLimit  int            `gorm:"not null;default:0"`               // Max output tokens.
	Extra        datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"` // Extra payload fields from the feed.
	LastSeenAt   *time.Time     `gorm:"index"`                            // Last sync that listed it; nil for seeded rows.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Update timestamp.
}

// TableName overrides the default table name.
func (CatalogModel) TableName() string {
	return "models"
}

// BeforeCreate assigns a time-ordered id.
func (m *CatalogModel) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	return nil
}
