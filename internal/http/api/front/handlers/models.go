package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/AnotherChat/internal/catalog"
	"github.com/router-for-me/AnotherChat/internal/models"
	"github.com/router-for-me/AnotherChat/internal/providerkeys"
)

// ModelCatalogHandler serves the read-only model catalog.
type ModelCatalogHandler struct {
	catalog *catalog.Catalog
}

// NewModelCatalogHandler constructs a ModelCatalogHandler.
func NewModelCatalogHandler(c *catalog.Catalog) *ModelCatalogHandler {
	return &ModelCatalogHandler{catalog: c}
}

// List returns active models, optionally filtered by q.
func (h *ModelCatalogHandler) List(c *gin.Context) {
	rows, errList := h.catalog.ListActive(c.Request.Context(), strings.TrimSpace(c.Query("q")))
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": formatCatalog(rows)})
}

// ListByProvider returns active models of one provider.
func (h *ModelCatalogHandler) ListByProvider(c *gin.Context) {
	provider := c.Param("provider")
	if !providerkeys.ValidName(provider) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid provider"})
		return
	}
	rows, errList := h.catalog.ListByProvider(c.Request.Context(), providerkeys.Normalize(provider))
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": formatCatalog(rows)})
}

func formatCatalog(rows []models.CatalogModel) []gin.H {
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatCatalogModel(&rows[i]))
	}
	return out
}
