// Package front registers the user-facing chat API.
package front

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/AnotherChat/internal/catalog"
	"github.com/router-for-me/AnotherChat/internal/chat"
	"github.com/router-for-me/AnotherChat/internal/config"
	handlers "github.com/router-for-me/AnotherChat/internal/http/api/front/handlers"
	"github.com/router-for-me/AnotherChat/internal/metrics"
	"github.com/router-for-me/AnotherChat/internal/security"
	"github.com/router-for-me/AnotherChat/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps are the services the routes are built on.
type Deps struct {
	DB            *gorm.DB
	Session       config.SessionConfig
	CORSOrigins   []string
	Users         *store.UserStore
	Conversations *store.ConversationStore
	APIKeys       *store.APIKeyStore
	Catalog       *catalog.Catalog
	Orchestrator  *chat.Orchestrator
	Limiter       handlers.StreamLimiter
}

// RegisterFrontRoutes registers health, metrics and the authenticated /api routes.
func RegisterFrontRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	r.Use(metrics.HTTPMiddleware())
	r.Use(corsMiddleware(deps.CORSOrigins))

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	authed := r.Group("/api")
	authed.Use(sessionAuthMiddleware(deps.Session, deps.Users))

	conversationHandler := handlers.NewConversationHandler(deps.Conversations)
	authed.POST("/conversations", conversationHandler.Create)
	authed.GET("/conversations", conversationHandler.List)
	authed.GET("/conversations/:id", conversationHandler.Get)
	authed.PATCH("/conversations/:id/title", conversationHandler.UpdateTitle)
	authed.PATCH("/conversations/:id/active", conversationHandler.UpdateActive)
	authed.DELETE("/conversations/:id", conversationHandler.Delete)
	authed.POST("/conversations/:id/messages", conversationHandler.AddMessage)

	streamHandler := handlers.NewStreamHandler(deps.Orchestrator, deps.Limiter)
	authed.POST("/conversations/:id/stream", streamHandler.Stream)

	apiKeyHandler := handlers.NewAPIKeyHandler(deps.APIKeys)
	authed.POST("/keys", apiKeyHandler.Create)
	authed.GET("/keys", apiKeyHandler.List)
	authed.PATCH("/keys/:keyId/toggle", apiKeyHandler.Toggle)
	authed.PATCH("/keys/:keyId/label", apiKeyHandler.UpdateLabel)
	authed.DELETE("/keys/:keyId", apiKeyHandler.Delete)

	modelHandler := handlers.NewModelCatalogHandler(deps.Catalog)
	authed.GET("/models", modelHandler.List)
	authed.GET("/models/:provider", modelHandler.ListByProvider)
}

// sessionAuthMiddleware validates session JWTs and mirrors the user row.
func sessionAuthMiddleware(sessionCfg config.SessionConfig, users *store.UserStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseSessionToken(sessionCfg.Secret, sessionCfg.Issuer, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if users != nil {
			if errEnsure := users.EnsureUser(c.Request.Context(), claims.UserID(), claims.Email, claims.Name); errEnsure != nil {
				log.WithError(errEnsure).Error("ensure session user failed")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
				return
			}
		}

		c.Set(handlers.ContextUserIDKey, claims.UserID())
		c.Next()
	}
}

// corsMiddleware answers preflight requests for the configured origins. "*" allows any origin.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	allowAny := false
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			allowAny = true
		}
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if _, ok := allowed[origin]; !ok && !allowAny {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", origin)
		header.Add("Vary", "Origin")
		header.Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			header.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			header.Set("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
