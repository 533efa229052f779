package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/router-for-me/AnotherChat/internal/apperr"
	"github.com/router-for-me/AnotherChat/internal/models"
	log "github.com/sirupsen/logrus"
)

// ContextUserIDKey is the gin context key holding the authenticated user id.
const ContextUserIDKey = "userID"

func currentUserID(c *gin.Context) string {
	return c.GetString(ContextUserIDKey)
}

// pathID reads a UUID path parameter, answering 400 when it is malformed.
func pathID(c *gin.Context, name string) (string, bool) {
	raw := c.Param(name)
	if _, errParse := uuid.Parse(raw); errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return "", false
	}
	return raw, true
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": apperr.UserMessage(err)})
}

func formatConversation(conversation *models.Conversation, withMessages bool) gin.H {
	out := gin.H{
		"id":        conversation.ID,
		"userId":    conversation.UserID,
		"title":     conversation.Title,
		"model":     conversation.Model,
		"provider":  conversation.Provider,
		"isActive":  conversation.IsActive,
		"createdAt": conversation.CreatedAt,
		"updatedAt": conversation.UpdatedAt,
	}
	if withMessages {
		messages := make([]gin.H, 0, len(conversation.Messages))
		for i := range conversation.Messages {
			messages = append(messages, formatMessage(&conversation.Messages[i]))
		}
		out["messages"] = messages
	}
	return out
}

func formatMessage(message *models.Message) gin.H {
	return gin.H{
		"id":             message.ID,
		"conversationId": message.ConversationID,
		"role":           message.Role,
		"content":        message.Content,
		"model":          message.Model,
		"createdAt":      message.CreatedAt,
	}
}

func formatAPIKey(key *models.APIKey) gin.H {
	return gin.H{
		"id":        key.ID,
		"provider":  key.Provider,
		"label":     key.Label,
		"isActive":  key.IsActive,
		"createdAt": key.CreatedAt,
		"updatedAt": key.UpdatedAt,
	}
}

func formatCatalogModel(model *models.CatalogModel) gin.H {
	return gin.H{
		"id":           model.ID,
		"provider":     model.Provider,
		"modelId":      model.ModelID,
		"displayName":  model.DisplayName,
		"description":  model.Description,
		"isActive":     model.IsActive,
		"contextLimit": model.ContextLimit,
		"outputLimit":  model.OutputLimit,
		"extra":        model.Extra,
	}
}
