package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/AnotherChat/internal/store"
)

// ConversationHandler serves conversation endpoints.
type ConversationHandler struct {
	conversations *store.ConversationStore
}

// NewConversationHandler constructs a ConversationHandler.
func NewConversationHandler(conversations *store.ConversationStore) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

type createConversationRequest struct {
	Title              string `json:"title"`
	Model              string `json:"model"`
	Provider           string `json:"provider"`
	InitialMessage     string `json:"initialMessage"`
	SaveInitialMessage *bool  `json:"saveInitialMessage"`
}

// Create starts a conversation.
func (h *ConversationHandler) Create(c *gin.Context) {
	var body createConversationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	saveInitial := true
	if body.SaveInitialMessage != nil {
		saveInitial = *body.SaveInitialMessage
	}
	conversation, errCreate := h.conversations.CreateConversation(c.Request.Context(), store.CreateConversationParams{
		UserID:             currentUserID(c),
		Title:              body.Title,
		Model:              body.Model,
		Provider:           body.Provider,
		InitialMessage:     body.InitialMessage,
		SaveInitialMessage: saveInitial,
	})
	if errCreate != nil {
		respondError(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": formatConversation(conversation, true)})
}

// List returns a page of the user's conversations with their first message.
func (h *ConversationHandler) List(c *gin.Context) {
	opts := store.ListOptions{Cursor: strings.TrimSpace(c.Query("cursor"))}
	if raw := strings.TrimSpace(c.Query("includeInactive")); raw != "" {
		include, errParse := strconv.ParseBool(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid includeInactive"})
			return
		}
		opts.IncludeInactive = include
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, errParse := strconv.Atoi(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = &limit
	}

	page, errList := h.conversations.ListConversations(c.Request.Context(), currentUserID(c), opts)
	if errList != nil {
		respondError(c, errList)
		return
	}
	out := make([]gin.H, 0, len(page.Conversations))
	for i := range page.Conversations {
		out = append(out, formatConversation(&page.Conversations[i], true))
	}
	var nextCursor any
	if page.NextCursor != "" {
		nextCursor = page.NextCursor
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out, "nextCursor": nextCursor})
}

// Get returns one conversation with its full history.
func (h *ConversationHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	conversation, errGet := h.conversations.GetConversation(c.Request.Context(), id, currentUserID(c))
	if errGet != nil {
		respondError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": formatConversation(conversation, true)})
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

// UpdateTitle renames a conversation.
func (h *ConversationHandler) UpdateTitle(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body updateTitleRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	conversation, errUpdate := h.conversations.UpdateTitle(c.Request.Context(), id, currentUserID(c), body.Title)
	if errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": formatConversation(conversation, false)})
}

type updateActiveRequest struct {
	IsActive *bool `json:"isActive"`
}

// UpdateActive archives or restores a conversation.
func (h *ConversationHandler) UpdateActive(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body updateActiveRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || body.IsActive == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "isActive is required"})
		return
	}
	conversation, errUpdate := h.conversations.UpdateActive(c.Request.Context(), id, currentUserID(c), *body.IsActive)
	if errUpdate != nil {
		respondError(c, errUpdate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": formatConversation(conversation, false)})
}

// Delete removes a conversation and its messages.
func (h *ConversationHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if errDelete := h.conversations.DeleteConversation(c.Request.Context(), id, currentUserID(c)); errDelete != nil {
		respondError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type addMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model"`
}

// AddMessage appends a message without calling a model. The conversation's model is used when none is given.
func (h *ConversationHandler) AddMessage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body addMessageRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	userID := currentUserID(c)
	model := strings.TrimSpace(body.Model)
	if model == "" {
		conversation, errGet := h.conversations.GetConversation(c.Request.Context(), id, userID)
		if errGet != nil {
			respondError(c, errGet)
			return
		}
		model = conversation.Model
	}
	message, errAdd := h.conversations.AddMessage(c.Request.Context(), store.AddMessageParams{
		ConversationID: id,
		UserID:         userID,
		Role:           strings.TrimSpace(body.Role),
		Content:        body.Content,
		Model:          model,
	})
	if errAdd != nil {
		respondError(c, errAdd)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": formatMessage(message)})
}
