package catalog

import (
	"context"
	"fmt"
	"strings"

	dbutil "github.com/router-for-me/AnotherChat/internal/db"
	"github.com/router-for-me/AnotherChat/internal/models"
	"github.com/router-for-me/AnotherChat/internal/providerkeys"
	"gorm.io/gorm"
)

// Catalog answers read queries over active catalog entries.
type Catalog struct {
	db *gorm.DB
}

// New constructs a Catalog.
func New(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// ListActive returns active entries ordered by provider then display name.
// A non-empty query filters by model id, display name, or provider.
func (c *Catalog) ListActive(ctx context.Context, query string) ([]models.CatalogModel, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("catalog: not initialized")
	}
	tx := c.db.WithContext(ctx).Model(&models.CatalogModel{}).Where("is_active = ?", true)
	if q := strings.TrimSpace(query); q != "" {
		condition, args := dbutil.SubstringMatch(c.db, q, "model_id", "display_name", "provider")
		tx = tx.Where(condition, args...)
	}
	var rows []models.CatalogModel
	if err := tx.Order("provider ASC, display_name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return rows, nil
}

// ListByProvider returns the active entries of one provider ordered by display name.
func (c *Catalog) ListByProvider(ctx context.Context, provider string) ([]models.CatalogModel, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("catalog: not initialized")
	}
	var rows []models.CatalogModel
	if err := c.db.WithContext(ctx).
		Where("provider = ? AND is_active = ?", providerkeys.Normalize(provider), true).
		Order("display_name ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: list provider: %w", err)
	}
	return rows, nil
}
