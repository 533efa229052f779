package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/router-for-me/AnotherChat/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Store keeps an in-memory snapshot of the settings table.
type Store struct {
	db *gorm.DB

	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewStore constructs a settings store. Call Reload before first use.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, values: make(map[string]json.RawMessage)}
}

// Value returns the raw JSON value for key from the last snapshot.
func (s *Store) Value(key string) (json.RawMessage, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.values[key]
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	return raw, true
}

// Reload replaces the snapshot with the current table contents.
func (s *Store) Reload(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("settings: not initialized")
	}
	var rows []models.Setting
	if errFind := s.db.WithContext(ctx).Find(&rows).Error; errFind != nil {
		return fmt.Errorf("settings: load: %w", errFind)
	}
	next := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		next[row.Key] = json.RawMessage(row.Value)
	}
	s.mu.Lock()
	s.values = next
	s.mu.Unlock()
	return nil
}

// Start refreshes the snapshot on interval until ctx is done.
func (s *Store) Start(ctx context.Context, interval time.Duration) {
	if s == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultReloadIntervalSeconds * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if errReload := s.Reload(ctx); errReload != nil {
					log.WithError(errReload).Warn("settings: reload failed")
				}
			}
		}
	}()
}
