package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/AnotherChat/internal/store"
)

// APIKeyHandler serves provider credential endpoints. Secrets never leave the store.
type APIKeyHandler struct {
	keys *store.APIKeyStore
}

// NewAPIKeyHandler constructs an APIKeyHandler.
func NewAPIKeyHandler(keys *store.APIKeyStore) *APIKeyHandler {
	return &APIKeyHandler{keys: keys}
}

type createAPIKeyRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
	Label    string `json:"label"`
}

// Create encrypts and stores a key.
func (h *APIKeyHandler) Create(c *gin.Context) {
	var body createAPIKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	key, errSave := h.keys.SaveKey(c.Request.Context(), store.SaveAPIKeyParams{
		UserID:   currentUserID(c),
		Provider: body.Provider,
		APIKey:   body.APIKey,
		Label:    body.Label,
	})
	if errSave != nil {
		respondError(c, errSave)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"apiKey": formatAPIKey(key)})
}

// List returns the user's keys.
func (h *APIKeyHandler) List(c *gin.Context) {
	keys, errList := h.keys.ListKeys(c.Request.Context(), currentUserID(c))
	if errList != nil {
		respondError(c, errList)
		return
	}
	out := make([]gin.H, 0, len(keys))
	for i := range keys {
		out = append(out, formatAPIKey(&keys[i]))
	}
	c.JSON(http.StatusOK, gin.H{"apiKeys": out})
}

// Toggle flips a key's active flag.
func (h *APIKeyHandler) Toggle(c *gin.Context) {
	id, ok := pathID(c, "keyId")
	if !ok {
		return
	}
	key, errToggle := h.keys.ToggleKey(c.Request.Context(), id, currentUserID(c))
	if errToggle != nil {
		respondError(c, errToggle)
		return
	}
	c.JSON(http.StatusOK, gin.H{"apiKey": formatAPIKey(key)})
}

type updateLabelRequest struct {
	Label string `json:"label"`
}

// UpdateLabel renames a key.
func (h *APIKeyHandler) UpdateLabel(c *gin.Context) {
	id, ok := pathID(c, "keyId")
	if !ok {
		return
	}
	var body updateLabelRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	key, errUpdate := h.keys.UpdateLabel(c.Request.Context(), id, currentUserID(c), body.Label)
	if errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"apiKey": formatAPIKey(key)})
}

// Delete removes a key.
func (h *APIKeyHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "keyId")
	if !ok {
		return
	}
	if errDelete := h.keys.DeleteKey(c.Request.Context(), id, currentUserID(c)); errDelete != nil {
		respondError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
