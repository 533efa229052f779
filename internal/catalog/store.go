package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/router-for-me/AnotherChat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StoreEntries upserts synced entries and deactivates previously synced entries
// of the same providers that the feed no longer lists. Seeded rows are never deactivated.
func StoreEntries(ctx context.Context, db *gorm.DB, entries []models.CatalogModel, syncTime time.Time) error {
	if db == nil {
		return fmt.Errorf("store catalog: nil db")
	}
	if len(entries) == 0 {
		return nil
	}
	if syncTime.IsZero() {
		syncTime = time.Now().UTC()
	}
	syncTime = syncTime.UTC()

	providerSet := make(map[string]struct{})
	for i := range entries {
		seen := syncTime
		entries[i].LastSeenAt = &seen
		entries[i].IsActive = true
		entries[i].UpdatedAt = syncTime
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = syncTime
		}
		if len(entries[i].Extra) == 0 {
			entries[i].Extra = []byte("{}")
		}
		providerSet[entries[i].Provider] = struct{}{}
	}
	providers := make([]string, 0, len(providerSet))
	for name := range providerSet {
		providers = append(providers, name)
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "provider"}, {Name: "model_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"display_name",
				"context_limit",
				"output_limit",
				"extra",
				"is_active",
				"last_seen_at",
				"updated_at",
			}),
		}).Create(&entries).Error; err != nil {
			return fmt.Errorf("store catalog: upsert: %w", err)
		}

		if err := tx.Model(&models.CatalogModel{}).
			Where("provider IN ? AND last_seen_at IS NOT NULL AND last_seen_at < ?", providers, syncTime).
			Updates(map[string]any{"is_active": false, "updated_at": syncTime}).Error; err != nil {
			return fmt.Errorf("store catalog: deactivate: %w", err)
		}
		return nil
	})
}
