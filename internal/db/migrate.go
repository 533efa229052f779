package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/AnotherChat/internal/models"
	internalsettings "github.com/router-for-me/AnotherChat/internal/settings"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ddl is a named schema statement applied after AutoMigrate.
type ddl struct {
	name string
	sql  string
}

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

func autoMigrate(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.User{},
		&models.APIKey{},
		&models.Conversation{},
		&models.Message{},
		&models.CatalogModel{},
		&models.Setting{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return nil
}

// migratePostgres applies PostgreSQL-specific schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrate(conn); errAutoMigrate != nil {
		return errAutoMigrate
	}
	indexes := []ddl{
		{
			name: "idx_api_keys_active_lookup",
			sql: `CREATE INDEX IF NOT EXISTS idx_api_keys_active_lookup
				ON api_keys (user_id, provider, created_at DESC)
				WHERE is_active`,
		},
		{
			name: "idx_models_active_order",
			sql: `CREATE INDEX IF NOT EXISTS idx_models_active_order
				ON models (provider, display_name)
				WHERE is_active`,
		},
	}
	if errIndexes := applyDDL(conn, indexes); errIndexes != nil {
		return errIndexes
	}
	return seed(conn)
}

// migrateSQLite applies SQLite-specific schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrate(conn); errAutoMigrate != nil {
		return errAutoMigrate
	}
	indexes := []ddl{
		{
			name: "idx_api_keys_active_lookup",
			sql: `CREATE INDEX IF NOT EXISTS idx_api_keys_active_lookup
				ON api_keys (user_id, provider, created_at DESC)
				WHERE is_active = 1`,
		},
		{
			name: "idx_models_active_order",
			sql: `CREATE INDEX IF NOT EXISTS idx_models_active_order
				ON models (provider, display_name)
				WHERE is_active = 1`,
		},
	}
	if errIndexes := applyDDL(conn, indexes); errIndexes != nil {
		return errIndexes
	}
	return seed(conn)
}

func applyDDL(conn *gorm.DB, statements []ddl) error {
	for _, stmt := range statements {
		if errExec := conn.Exec(stmt.sql).Error; errExec != nil {
			return fmt.Errorf("db: create index %s: %w", stmt.name, errExec)
		}
	}
	return nil
}

func seed(conn *gorm.DB) error {
	if errSeed := ensureStreamRateLimitSettings(conn); errSeed != nil {
		return errSeed
	}
	return ensureDefaultCatalog(conn)
}

// ensureStreamRateLimitSettings ensures the stream rate limit settings exist with defaults.
func ensureStreamRateLimitSettings(conn *gorm.DB) error {
	if errEnsure := ensureIntSetting(
		conn,
		internalsettings.StreamRateLimitKey,
		internalsettings.DefaultStreamRateLimit,
	); errEnsure != nil {
		return errEnsure
	}
	return ensureIntSetting(
		conn,
		internalsettings.StreamRateLimitWindowSecondsKey,
		internalsettings.DefaultStreamRateLimitWindowSeconds,
	)
}

// ensureIntSetting ensures an integer setting exists and defaults when empty.
func ensureIntSetting(conn *gorm.DB, key string, value int) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	rawValue := json.RawMessage(payload)

	var existing models.Setting
	if errFind := conn.Where("key = ?", key).First(&existing).Error; errFind == nil {
		trimmed := strings.TrimSpace(string(existing.Value))
		if trimmed == "" || trimmed == "null" {
			if errUpdate := conn.Model(&existing).Updates(map[string]any{
				"value":      rawValue,
				"updated_at": time.Now().UTC(),
			}).Error; errUpdate != nil {
				return fmt.Errorf("db: update %s setting: %w", key, errUpdate)
			}
		}
		return nil
	} else if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: query %s setting: %w", key, errFind)
	}

	setting := models.Setting{
		Key:       key,
		Value:     []byte(rawValue),
		UpdatedAt: time.Now().UTC(),
	}
	if errCreate := conn.Create(&setting).Error; errCreate != nil {
		return fmt.Errorf("db: create %s setting: %w", key, errCreate)
	}
	return nil
}

// DefaultCatalog lists the catalog rows seeded on first migrate.
func DefaultCatalog() []models.CatalogModel {
	return []models.CatalogModel{
		{Provider: "openai", ModelID: "gpt-4o", DisplayName: "GPT-4o", Description: "Most capable GPT-4 model, optimized for chat", IsActive: true},
		{Provider: "openai", ModelID: "gpt-4o-mini", DisplayName: "GPT-4o Mini", Description: "Affordable and intelligent small model", IsActive: true},
		{Provider: "openai", ModelID: "gpt-4-turbo", DisplayName: "GPT-4 Turbo", Description: "Previous generation GPT-4 model", IsActive: true},
		{Provider: "openai", ModelID: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", Description: "Fast and efficient model", IsActive: true},
		{Provider: "ollama", ModelID: "llava:latest", DisplayName: "LLaVA", Description: "Local multimodal model served by Ollama", IsActive: true},
	}
}

// ensureDefaultCatalog inserts the default catalog rows, leaving existing rows untouched.
func ensureDefaultCatalog(conn *gorm.DB) error {
	rows := DefaultCatalog()
	for i := range rows {
		rows[i].Extra = []byte("{}")
	}
	if errCreate := conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "model_id"}},
		DoNothing: true,
	}).Create(&rows).Error; errCreate != nil {
		return fmt.Errorf("db: seed catalog: %w", errCreate)
	}
	return nil
}
