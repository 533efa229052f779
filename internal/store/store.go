package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/AnotherChat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserStore mirrors identities from verified session tokens into the users table.
type UserStore struct {
	db *gorm.DB

	mu   sync.Mutex
	seen map[string]userClaims
}

type userClaims struct {
	email string
	name  string
}

// NewUserStore constructs a UserStore.
func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db, seen: make(map[string]userClaims)}
}

// EnsureUser upserts the user row. Repeated calls with unchanged claims skip the database.
func (s *UserStore) EnsureUser(ctx context.Context, id, email, name string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("user store: not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("user store: missing id")
	}
	claims := userClaims{email: strings.TrimSpace(email), name: strings.TrimSpace(name)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.seen[id]; ok && prev == claims {
		return nil
	}

	now := time.Now().UTC()
	record := models.User{
		ID:        id,
		Email:     claims.email,
		Name:      claims.name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "name", "updated_at"}),
	}).Create(&record).Error; err != nil {
		return fmt.Errorf("user store: upsert: %w", err)
	}
	s.seen[id] = claims
	return nil
}
