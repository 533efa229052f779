package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/router-for-me/AnotherChat/internal/apperr"
	"github.com/router-for-me/AnotherChat/internal/models"
	"github.com/router-for-me/AnotherChat/internal/providerkeys"
	"gorm.io/gorm"
)

const (
	// MaxAPIKeyLength bounds the plaintext secret.
	MaxAPIKeyLength = 500
	// MaxLabelLength bounds key labels.
	MaxLabelLength = 100

	apiKeyResource = "API key"
)

// Sealer encrypts and decrypts secrets at rest.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(envelope string) (string, error)
}

// APIKeyStore persists encrypted provider credentials.
type APIKeyStore struct {
	db     *gorm.DB
	sealer Sealer
	now    func() time.Time
}

// NewAPIKeyStore constructs an APIKeyStore.
func NewAPIKeyStore(db *gorm.DB, sealer Sealer) *APIKeyStore {
	return &APIKeyStore{db: db, sealer: sealer, now: func() time.Time { return time.Now().UTC() }}
}

// SaveAPIKeyParams holds inputs for saving a provider key.
type SaveAPIKeyParams struct {
	UserID   string
	Provider string
	APIKey   string
	Label    string
}

// SaveKey encrypts and stores a new active key.
func (s *APIKeyStore) SaveKey(ctx context.Context, params SaveAPIKeyParams) (*models.APIKey, error) {
	if s == nil || s.db == nil || s.sealer == nil {
		return nil, fmt.Errorf("api key store: not initialized")
	}
	if !providerkeys.ValidName(params.Provider) {
		return nil, apperr.Validation("Provider can only contain letters, numbers, underscores, and hyphens")
	}
	secret := strings.TrimSpace(params.APIKey)
	if secret == "" {
		return nil, apperr.Validation("API key cannot be empty")
	}
	if len(secret) > MaxAPIKeyLength {
		return nil, apperr.Validation("API key is too long")
	}
	provider := providerkeys.Normalize(params.Provider)
	label := strings.TrimSpace(params.Label)
	if label == "" {
		label = provider + " key"
	}
	if utf8.RuneCountInString(label) > MaxLabelLength {
		return nil, apperr.Validation("Label is too long")
	}

	envelope, errEncrypt := s.sealer.Encrypt(secret)
	if errEncrypt != nil {
		return nil, fmt.Errorf("api key store: encrypt: %w", errEncrypt)
	}
	now := s.now()
	row := models.APIKey{
		UserID:       params.UserID,
		Provider:     provider,
		EncryptedKey: envelope,
		Label:        label,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("api key store: create: %w", errCreate)
	}
	return &row, nil
}

// ListKeys returns the user's keys, newest first.
func (s *APIKeyStore) ListKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("api key store: not initialized")
	}
	var rows []models.APIKey
	if errFind := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("api key store: list: %w", errFind)
	}
	return rows, nil
}

// ActiveKey returns the decrypted newest active key for (userID, provider).
// ok is false when the user has no active key for the provider.
func (s *APIKeyStore) ActiveKey(ctx context.Context, userID, provider string) (string, bool, error) {
	if s == nil || s.db == nil || s.sealer == nil {
		return "", false, fmt.Errorf("api key store: not initialized")
	}
	var row models.APIKey
	errFind := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND is_active = ?", userID, providerkeys.Normalize(provider), true).
		Order("created_at DESC, id DESC").
		Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("api key store: active key: %w", errFind)
	}
	secret, errDecrypt := s.sealer.Decrypt(row.EncryptedKey)
	if errDecrypt != nil {
		return "", false, errDecrypt
	}
	return secret, true, nil
}

// ToggleKey flips the active flag of an owned key.
func (s *APIKeyStore) ToggleKey(ctx context.Context, id, userID string) (*models.APIKey, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("api key store: not initialized")
	}
	var row models.APIKey
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errFind := tx.Where("id = ? AND user_id = ?", id, userID).Take(&row).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return apperr.NotFound(apiKeyResource)
			}
			return fmt.Errorf("api key store: toggle lookup: %w", errFind)
		}
		row.IsActive = !row.IsActive
		row.UpdatedAt = s.now()
		if errUpdate := tx.Model(&models.APIKey{}).
			Where("id = ? AND user_id = ?", id, userID).
			Updates(map[string]any{"is_active": row.IsActive, "updated_at": row.UpdatedAt}).Error; errUpdate != nil {
			return fmt.Errorf("api key store: toggle: %w", errUpdate)
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return &row, nil
}

// UpdateLabel renames an owned key.
func (s *APIKeyStore) UpdateLabel(ctx context.Context, id, userID, label string) (*models.APIKey, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("api key store: not initialized")
	}
	trimmed := strings.TrimSpace(label)
	if trimmed == "" {
		return nil, apperr.Validation("Label cannot be empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxLabelLength {
		return nil, apperr.Validation("Label is too long")
	}
	result := s.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"label": trimmed, "updated_at": s.now()})
	if result.Error != nil {
		return nil, fmt.Errorf("api key store: update label: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, apperr.NotFound(apiKeyResource)
	}
	var row models.APIKey
	if errFind := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Take(&row).Error; errFind != nil {
		return nil, fmt.Errorf("api key store: reload: %w", errFind)
	}
	return &row, nil
}

// DeleteKey hard-deletes an owned key.
func (s *APIKeyStore) DeleteKey(ctx context.Context, id, userID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("api key store: not initialized")
	}
	result := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.APIKey{})
	if result.Error != nil {
		return fmt.Errorf("api key store: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound(apiKeyResource)
	}
	return nil
}
