package models

import "time"

// User mirrors an identity issued by the external auth service.
type User struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // Subject from the session token.

	Email string `gorm:"type:text;index"` // Email claim, when present.
	Name  string `gorm:"type:text"`       // Display name claim.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
