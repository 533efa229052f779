package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/router-for-me/AnotherChat/internal/apperr"
	dbutil "github.com/router-for-me/AnotherChat/internal/db"
	"github.com/router-for-me/AnotherChat/internal/models"
	"github.com/router-for-me/AnotherChat/internal/providerkeys"
	"gorm.io/gorm"
)

const (
	// DefaultTitle is used when a conversation starts without a message.
	DefaultTitle = "New conversation"
	// DefaultListLimit is the page size when none is requested.
	DefaultListLimit = 50
	// MaxListLimit caps the page size.
	MaxListLimit = 100
	// MaxModelLength bounds model identifiers in runes.
	MaxModelLength = 100
	// MaxTitleLength bounds conversation titles in runes.
	MaxTitleLength = 200
	// MaxMessageLength bounds message content in runes.
	MaxMessageLength = 10000

	titlePreviewRunes = 50
	resourceName      = "Conversation"
)

// ConversationStore persists conversations and their messages.
type ConversationStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewConversationStore constructs a ConversationStore.
func NewConversationStore(db *gorm.DB) *ConversationStore {
	return &ConversationStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateConversationParams holds inputs for conversation creation.
type CreateConversationParams struct {
	UserID             string
	Title              string
	Model              string
	Provider           string
	InitialMessage     string
	SaveInitialMessage bool
}

// ListOptions controls conversation listing.
type ListOptions struct {
	IncludeInactive bool
	// Limit is the page size; nil means DefaultListLimit.
	Limit  *int
	Cursor string
}

// ConversationPage is one page of a conversation listing.
type ConversationPage struct {
	Conversations []models.Conversation
	NextCursor    string
}

// AddMessageParams holds inputs for appending a message.
type AddMessageParams struct {
	ConversationID string
	UserID         string
	Role           string
	Content        string
	Model          string
}

// GenerateTitle derives a conversation title from its first message.
func GenerateTitle(initialMessage string) string {
	trimmed := strings.TrimSpace(initialMessage)
	if trimmed == "" {
		return DefaultTitle
	}
	runes := []rune(trimmed)
	if len(runes) <= titlePreviewRunes {
		return trimmed
	}
	return string(runes[:titlePreviewRunes]) + "..."
}

// CreateConversation inserts a conversation and, when requested, its first user message.
func (s *ConversationStore) CreateConversation(ctx context.Context, params CreateConversationParams) (*models.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("conversation store: not initialized")
	}
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return nil, apperr.Validation("User is required")
	}
	model := strings.TrimSpace(params.Model)
	if model == "" {
		return nil, apperr.Validation("Model cannot be empty")
	}
	if utf8.RuneCountInString(model) > MaxModelLength {
		return nil, apperr.Validation("Model is too long")
	}
	if !providerkeys.ValidName(params.Provider) {
		return nil, apperr.Validation("Provider can only contain letters, numbers, underscores, and hyphens")
	}
	provider := providerkeys.Normalize(params.Provider)

	initial := strings.TrimSpace(params.InitialMessage)
	if utf8.RuneCountInString(initial) > MaxMessageLength {
		return nil, apperr.Validation("Message is too long")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = GenerateTitle(initial)
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return nil, apperr.Validation("Title is too long")
	}

	now := s.now()
	conversation := models.Conversation{
		UserID:    userID,
		Title:     title,
		Model:     model,
		Provider:  provider,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&conversation).Error; errCreate != nil {
			return fmt.Errorf("conversation store: create: %w", errCreate)
		}
		if initial == "" || !params.SaveInitialMessage {
			return nil
		}
		message := models.Message{
			ConversationID: conversation.ID,
			Role:           models.RoleUser,
			Content:        initial,
			Model:          model,
			CreatedAt:      now,
		}
		if errCreate := tx.Create(&message).Error; errCreate != nil {
			return fmt.Errorf("conversation store: create initial message: %w", errCreate)
		}
		conversation.Messages = []models.Message{message}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	if conversation.Messages == nil {
		conversation.Messages = []models.Message{}
	}
	return &conversation, nil
}

// GetConversation returns an owned conversation with its messages in chronological order.
func (s *ConversationStore) GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("conversation store: not initialized")
	}
	var conversation models.Conversation
	errFind := s.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		}).
		Where("id = ? AND user_id = ?", id, userID).
		Take(&conversation).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(resourceName)
		}
		return nil, fmt.Errorf("conversation store: get: %w", errFind)
	}
	return &conversation, nil
}

// ListConversations returns the user's conversations, most recently touched first,
// each carrying only its first message.
func (s *ConversationStore) ListConversations(ctx context.Context, userID string, opts ListOptions) (ConversationPage, error) {
	if s == nil || s.db == nil {
		return ConversationPage{}, fmt.Errorf("conversation store: not initialized")
	}
	limit := DefaultListLimit
	if opts.Limit != nil {
		limit = *opts.Limit
	}
	if limit < 1 || limit > MaxListLimit {
		return ConversationPage{}, apperr.Validation("Limit must be between 1 and %d", MaxListLimit)
	}

	query := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("user_id = ?", userID)
	if !opts.IncludeInactive {
		query = query.Where("is_active = ?", true)
	}
	if cursorID := strings.TrimSpace(opts.Cursor); cursorID != "" {
		var cursor models.Conversation
		if errCursor := s.db.WithContext(ctx).
			Select("id", "updated_at").
			Where("id = ? AND user_id = ?", cursorID, userID).
			Take(&cursor).Error; errCursor != nil {
			if errors.Is(errCursor, gorm.ErrRecordNotFound) {
				return ConversationPage{}, apperr.Validation("Invalid cursor")
			}
			return ConversationPage{}, fmt.Errorf("conversation store: load cursor: %w", errCursor)
		}
		query = query.Where("(updated_at < ?) OR (updated_at = ? AND id < ?)", cursor.UpdatedAt, cursor.UpdatedAt, cursor.ID)
	}

	var rows []models.Conversation
	if errFind := query.Order("updated_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; errFind != nil {
		return ConversationPage{}, fmt.Errorf("conversation store: list: %w", errFind)
	}

	page := ConversationPage{}
	if len(rows) > limit {
		rows = rows[:limit]
		page.NextCursor = rows[len(rows)-1].ID
	}
	if errPreview := s.attachFirstMessages(ctx, rows); errPreview != nil {
		return ConversationPage{}, errPreview
	}
	page.Conversations = rows
	return page, nil
}

func (s *ConversationStore) attachFirstMessages(ctx context.Context, rows []models.Conversation) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].ID)
		rows[i].Messages = []models.Message{}
	}
	var firsts []models.Message
	if errFind := s.db.WithContext(ctx).
		Where("conversation_id IN ?", ids).
		Where(`id = (
			SELECT m2.id FROM messages m2
			WHERE m2.conversation_id = messages.conversation_id
			ORDER BY m2.created_at ASC, m2.id ASC
			LIMIT 1
		)`).
		Find(&firsts).Error; errFind != nil {
		return fmt.Errorf("conversation store: list previews: %w", errFind)
	}
	byConversation := make(map[string]models.Message, len(firsts))
	for _, msg := range firsts {
		byConversation[msg.ConversationID] = msg
	}
	for i := range rows {
		if msg, ok := byConversation[rows[i].ID]; ok {
			rows[i].Messages = []models.Message{msg}
		}
	}
	return nil
}

// AddMessage appends a message to an owned conversation and touches its updatedAt.
func (s *ConversationStore) AddMessage(ctx context.Context, params AddMessageParams) (*models.Message, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("conversation store: not initialized")
	}
	content := strings.TrimSpace(params.Content)
	if content == "" {
		return nil, apperr.Validation("Message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return nil, apperr.Validation("Message is too long")
	}
	if !models.ValidRole(params.Role) {
		return nil, apperr.Validation("Invalid message role")
	}
	model := strings.TrimSpace(params.Model)
	if model == "" {
		return nil, apperr.Validation("Model cannot be empty")
	}

	now := s.now()
	message := models.Message{
		ConversationID: params.ConversationID,
		Role:           params.Role,
		Content:        content,
		Model:          model,
		CreatedAt:      now,
	}
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		touched := tx.Model(&models.Conversation{}).
			Where("id = ? AND user_id = ?", params.ConversationID, params.UserID).
			Update("updated_at", now)
		if touched.Error != nil {
			return fmt.Errorf("conversation store: touch: %w", touched.Error)
		}
		if touched.RowsAffected == 0 {
			return apperr.NotFound(resourceName)
		}
		if errCreate := tx.Create(&message).Error; errCreate != nil {
			if dbutil.IsForeignKeyViolation(errCreate) {
				return apperr.NotFound(resourceName)
			}
			return fmt.Errorf("conversation store: add message: %w", errCreate)
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return &message, nil
}

// UpdateTitle renames an owned conversation.
func (s *ConversationStore) UpdateTitle(ctx context.Context, id, userID, title string) (*models.Conversation, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return nil, apperr.Validation("Title cannot be empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxTitleLength {
		return nil, apperr.Validation("Title is too long")
	}
	return s.update(ctx, id, userID, map[string]any{"title": trimmed})
}

// UpdateActive archives or restores an owned conversation.
func (s *ConversationStore) UpdateActive(ctx context.Context, id, userID string, active bool) (*models.Conversation, error) {
	return s.update(ctx, id, userID, map[string]any{"is_active": active})
}

func (s *ConversationStore) update(ctx context.Context, id, userID string, fields map[string]any) (*models.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("conversation store: not initialized")
	}
	fields["updated_at"] = s.now()
	result := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(fields)
	if result.Error != nil {
		return nil, fmt.Errorf("conversation store: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, apperr.NotFound(resourceName)
	}
	var conversation models.Conversation
	if errFind := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Take(&conversation).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(resourceName)
		}
		return nil, fmt.Errorf("conversation store: reload: %w", errFind)
	}
	return &conversation, nil
}

// DeleteConversation removes an owned conversation and its messages.
func (s *ConversationStore) DeleteConversation(ctx context.Context, id, userID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("conversation store: not initialized")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owned int64
		if errCount := tx.Model(&models.Conversation{}).Where("id = ? AND user_id = ?", id, userID).Count(&owned).Error; errCount != nil {
			return fmt.Errorf("conversation store: delete lookup: %w", errCount)
		}
		if owned == 0 {
			return apperr.NotFound(resourceName)
		}
		if errMessages := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; errMessages != nil {
			return fmt.Errorf("conversation store: delete messages: %w", errMessages)
		}
		if errDelete := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&models.Conversation{}).Error; errDelete != nil {
			return fmt.Errorf("conversation store: delete: %w", errDelete)
		}
		return nil
	})
}
