package models

import "github.com/google/uuid"

// NewID returns a UUIDv7 string, falling back to v4 if the clock source fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
