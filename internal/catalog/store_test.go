package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/router-for-me/AnotherChat/internal/db"
	"github.com/router-for-me/AnotherChat/internal/models"
	"gorm.io/gorm"
)

func openCatalogDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func loadEntry(t *testing.T, conn *gorm.DB, provider, modelID string) models.CatalogModel {
	t.Helper()
	var row models.CatalogModel
	if err := conn.Where("provider = ? AND model_id = ?", provider, modelID).Take(&row).Error; err != nil {
		t.Fatalf("find %s/%s: %v", provider, modelID, err)
	}
	return row
}

func TestStoreEntries_UpsertAndDeactivateUnseen(t *testing.T) {
	conn := openCatalogDB(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first := []models.CatalogModel{
		{Provider: "anthropic", ModelID: "claude-a", DisplayName: "Claude A"},
		{Provider: "anthropic", ModelID: "claude-b", DisplayName: "Claude B"},
		{Provider: "openai", ModelID: "gpt-4o", DisplayName: "GPT-4o (synced)", ContextLimit: 128000},
	}
	if err := StoreEntries(ctx, conn, first, now); err != nil {
		t.Fatalf("store: %v", err)
	}

	seeded := loadEntry(t, conn, "openai", "gpt-4o")
	if seeded.ContextLimit != 128000 || seeded.Description == "" {
		t.Fatalf("expected seeded row updated while keeping its description: %+v", seeded)
	}

	later := now.Add(time.Hour)
	second := []models.CatalogModel{{Provider: "anthropic", ModelID: "claude-a", DisplayName: "Claude A v2"}}
	if err := StoreEntries(ctx, conn, second, later); err != nil {
		t.Fatalf("store: %v", err)
	}

	if row := loadEntry(t, conn, "anthropic", "claude-a"); !row.IsActive || row.DisplayName != "Claude A v2" {
		t.Fatalf("expected claude-a refreshed: %+v", row)
	}
	if row := loadEntry(t, conn, "anthropic", "claude-b"); row.IsActive {
		t.Fatalf("expected claude-b deactivated")
	}
	if row := loadEntry(t, conn, "openai", "gpt-4o"); !row.IsActive {
		t.Fatalf("expected other providers untouched")
	}
	if row := loadEntry(t, conn, "openai", "gpt-3.5-turbo"); !row.IsActive || row.LastSeenAt != nil {
		t.Fatalf("expected seeded row untouched: %+v", row)
	}
}
