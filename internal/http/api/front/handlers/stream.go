package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/AnotherChat/internal/chat"
	"github.com/router-for-me/AnotherChat/internal/metrics"
	"github.com/router-for-me/AnotherChat/internal/models"
	"github.com/router-for-me/AnotherChat/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// The conversation is not loaded yet when a request is rate limited.
const unknownProvider = "unknown"

// StreamLimiter gates stream requests per key.
type StreamLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Result, error)
}

// StreamHandler serves the SSE chat endpoint.
type StreamHandler struct {
	orchestrator *chat.Orchestrator
	limiter      StreamLimiter
	now          func() time.Time
}

// NewStreamHandler constructs a StreamHandler. A nil limiter disables rate limiting.
func NewStreamHandler(orchestrator *chat.Orchestrator, limiter StreamLimiter) *StreamHandler {
	return &StreamHandler{orchestrator: orchestrator, limiter: limiter, now: time.Now}
}

type streamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamRequest struct {
	Messages []streamMessage `json:"messages"`
}

// Stream relays a model reply for the last user turn as server-sent events.
func (h *StreamHandler) Stream(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body streamRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if len(body.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages cannot be empty"})
		return
	}
	last := body.Messages[len(body.Messages)-1]
	if strings.TrimSpace(last.Role) != models.RoleUser {
		c.JSON(http.StatusBadRequest, gin.H{"error": "last message must be from the user"})
		return
	}

	userID := currentUserID(c)
	if !h.allow(c, userID) {
		return
	}

	session, errOpen := h.orchestrator.Open(c.Request.Context(), chat.StreamRequest{
		ConversationID: id,
		UserID:         userID,
		UserMessage:    last.Content,
	})
	if errOpen != nil {
		respondError(c, errOpen)
		return
	}
	defer session.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	_ = session.Run(c.Request.Context(), newSSESink(c))
}

// allow applies the per-user stream rate limit, answering 429 when exhausted.
func (h *StreamHandler) allow(c *gin.Context, userID string) bool {
	if h.limiter == nil {
		return true
	}
	result, errAllow := h.limiter.Allow(c.Request.Context(), ratelimit.KeyForStream(userID))
	if errAllow != nil {
		log.WithError(errAllow).Warn("stream rate limit check failed")
		return true
	}
	if result.Allowed {
		return true
	}
	retryAfter := int(result.Reset.Sub(h.now()).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, please slow down"})
	metrics.ObserveStream(unknownProvider, metrics.OutcomeRateLimited)
	return false
}

// newSSESink writes frames as `data: <json>` events and flushes after each.
func newSSESink(c *gin.Context) chat.Sink {
	return chat.SinkFunc(func(frame chat.Frame) error {
		if errCtx := c.Request.Context().Err(); errCtx != nil {
			return errCtx
		}
		payload, errMarshal := json.Marshal(frame)
		if errMarshal != nil {
			return fmt.Errorf("encode frame: %w", errMarshal)
		}
		if _, errWrite := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); errWrite != nil {
			return errWrite
		}
		c.Writer.Flush()
		return nil
	})
}
