// Package chat streams model replies to clients and records the exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/AnotherChat/internal/apperr"
	"github.com/router-for-me/AnotherChat/internal/config"
	"github.com/router-for-me/AnotherChat/internal/metrics"
	"github.com/router-for-me/AnotherChat/internal/models"
	"github.com/router-for-me/AnotherChat/internal/provider"
	"github.com/router-for-me/AnotherChat/internal/providerkeys"
	"github.com/router-for-me/AnotherChat/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	defaultUpstreamTimeout = 5 * time.Minute
	defaultPersistTimeout  = 10 * time.Second

	finishReasonStop = "stop"
)

// ConversationSource loads conversation context and records messages.
type ConversationSource interface {
	GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error)
	AddMessage(ctx context.Context, params store.AddMessageParams) (*models.Message, error)
}

// BackendResolver builds the model backend for a conversation.
type BackendResolver interface {
	Resolve(ctx context.Context, userID, providerName, model string) (provider.Backend, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Accumulate is config.AccumulateSnapshot or config.AccumulateDelta.
	Accumulate      string
	UpstreamTimeout time.Duration
	PersistTimeout  time.Duration
}

// Orchestrator runs one streamed exchange per request.
type Orchestrator struct {
	conversations ConversationSource
	resolver      BackendResolver
	locker        StreamLocker
	cfg           Config
	now           func() time.Time
}

// NewOrchestrator constructs an Orchestrator. A nil locker uses a process-local lock.
func NewOrchestrator(conversations ConversationSource, resolver BackendResolver, locker StreamLocker, cfg Config) *Orchestrator {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if cfg.Accumulate != config.AccumulateDelta {
		cfg.Accumulate = config.AccumulateSnapshot
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	return &Orchestrator{
		conversations: conversations,
		resolver:      resolver,
		locker:        locker,
		cfg:           cfg,
		now:           time.Now,
	}
}

// StreamRequest identifies the conversation and the new user turn.
type StreamRequest struct {
	ConversationID string
	UserID         string
	UserMessage    string
}

// Open validates the request, loads the conversation and takes the stream lock.
// Errors returned here happen before any output and map to plain HTTP responses.
func (o *Orchestrator) Open(ctx context.Context, req StreamRequest) (*Session, error) {
	if o == nil || o.conversations == nil || o.resolver == nil {
		return nil, fmt.Errorf("chat: orchestrator not initialized")
	}
	userMessage := strings.TrimSpace(req.UserMessage)
	if userMessage == "" {
		return nil, apperr.Validation("Message content cannot be empty")
	}
	if len([]rune(userMessage)) > store.MaxMessageLength {
		return nil, apperr.Validation("Message is too long")
	}
	conversation, errLoad := o.conversations.GetConversation(ctx, req.ConversationID, req.UserID)
	if errLoad != nil {
		return nil, errLoad
	}
	release, errLock := o.locker.Acquire(ctx, conversation.ID)
	if errLock != nil {
		return nil, errLock
	}
	return &Session{
		o:            o,
		userID:       req.UserID,
		conversation: conversation,
		userMessage:  userMessage,
		streamID:     uuid.NewString(),
		release:      release,
	}, nil
}

// Session is one opened stream. Run it at most once; Close it if Run is never called.
type Session struct {
	o            *Orchestrator
	userID       string
	conversation *models.Conversation
	userMessage  string
	streamID     string

	release     func()
	releaseOnce sync.Once
}

// Conversation returns the conversation loaded by Open.
func (s *Session) Conversation() *models.Conversation {
	return s.conversation
}

// Close releases the stream lock.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// Run resolves the backend, relays chunks to sink, persists the exchange and
// writes exactly one terminal frame. It returns the error reported in that frame, if any.
func (s *Session) Run(ctx context.Context, sink Sink) error {
	defer s.Close()

	out := &guardedSink{sink: sink}
	providerName := providerkeys.Normalize(s.conversation.Provider)
	logger := log.WithFields(log.Fields{
		"conversation_id": s.conversation.ID,
		"provider":        providerName,
		"model":           s.conversation.Model,
	})

	history, systemPrompts := buildPrompt(s.conversation.Messages, s.userMessage)

	backend, errResolve := s.o.resolver.Resolve(ctx, s.userID, providerName, s.conversation.Model)
	if errResolve != nil {
		logger.WithError(errResolve).Info("chat: resolve backend failed")
		out.Send(s.errorFrame(errResolve))
		metrics.ObserveStream(providerName, metrics.OutcomeRejected)
		return errResolve
	}

	finished := metrics.StreamStarted()
	assistantText, errStream := s.relay(ctx, backend, history, systemPrompts, out, providerName)
	finished()

	s.persist(ctx, assistantText, logger)

	outcome := metrics.OutcomeDone
	if errStream != nil {
		logger.WithError(errStream).Warn("chat: upstream stream failed")
		out.Send(s.errorFrame(errStream))
		outcome = metrics.OutcomeError
	} else {
		out.Send(s.doneFrame())
	}
	if out.Err() != nil {
		outcome = metrics.OutcomeDisconnected
	}
	metrics.ObserveStream(providerName, outcome)
	return errStream
}

type recvResult struct {
	chunk provider.Chunk
	err   error
}

// relay pumps the upstream stream into out. Consumption continues after the
// client disconnects; only the upstream timeout cuts it short.
func (s *Session) relay(ctx context.Context, backend provider.Backend, history []provider.Message, systemPrompts []string, out *guardedSink, providerName string) (string, error) {
	timeout := s.o.cfg.UpstreamTimeout
	upstreamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	stream, errOpen := backend.Stream(upstreamCtx, history, systemPrompts)
	if errOpen != nil {
		return "", s.upstreamError(providerName, upstreamCtx, errOpen, timeout)
	}

	results := make(chan recvResult)
	pumpDone := make(chan struct{})
	go func() {
		defer close(results)
		for {
			chunk, errRecv := stream.Recv()
			select {
			case results <- recvResult{chunk: chunk, err: errRecv}:
			case <-pumpDone:
				return
			}
			if errRecv != nil {
				return
			}
		}
	}()
	defer func() {
		close(pumpDone)
		_ = stream.Close()
	}()

	var text strings.Builder
	current := ""
	for {
		select {
		case <-upstreamCtx.Done():
			return current, s.upstreamError(providerName, upstreamCtx, upstreamCtx.Err(), timeout)
		case res, ok := <-results:
			if !ok {
				return current, nil
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return current, nil
				}
				return current, s.upstreamError(providerName, upstreamCtx, res.err, timeout)
			}
			if s.o.cfg.Accumulate == config.AccumulateDelta {
				text.WriteString(res.chunk.Delta)
				current = text.String()
			} else {
				current = res.chunk.Content
			}
			metrics.ObserveChunk(providerName)
			out.Send(s.contentFrame(res.chunk.Delta, current))
		}
	}
}

func (s *Session) upstreamError(providerName string, upstreamCtx context.Context, err error, timeout time.Duration) error {
	if errors.Is(upstreamCtx.Err(), context.DeadlineExceeded) {
		return &apperr.UpstreamError{
			Provider: providerName,
			Err:      fmt.Errorf("no response within %s", timeout),
			Message:  fmt.Sprintf("%s did not respond within %s", providerName, timeout),
		}
	}
	var upstream *apperr.UpstreamError
	if errors.As(err, &upstream) {
		return err
	}
	return &apperr.UpstreamError{Provider: providerName, Err: err}
}

// persist records the user turn and, when non-blank, the assistant reply.
// It runs detached from the client so a disconnect cannot drop either message.
func (s *Session) persist(ctx context.Context, assistantText string, logger *log.Entry) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.o.cfg.PersistTimeout)
	defer cancel()

	if _, errUser := s.o.conversations.AddMessage(persistCtx, store.AddMessageParams{
		ConversationID: s.conversation.ID,
		UserID:         s.userID,
		Role:           models.RoleUser,
		Content:        s.userMessage,
		Model:          s.conversation.Model,
	}); errUser != nil {
		metrics.ObservePersistFailure()
		logger.WithError(errUser).Error("chat: persist user message failed")
	}

	if strings.TrimSpace(assistantText) == "" {
		return
	}
	if _, errAssistant := s.o.conversations.AddMessage(persistCtx, store.AddMessageParams{
		ConversationID: s.conversation.ID,
		UserID:         s.userID,
		Role:           models.RoleAssistant,
		Content:        assistantText,
		Model:          s.conversation.Model,
	}); errAssistant != nil {
		metrics.ObservePersistFailure()
		logger.WithError(errAssistant).Error("chat: persist assistant message failed")
	}
}

// buildPrompt splits stored history into system prompts and ordered turns, then appends the new user turn.
func buildPrompt(messages []models.Message, userMessage string) ([]provider.Message, []string) {
	history := make([]provider.Message, 0, len(messages)+1)
	var systemPrompts []string
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			systemPrompts = append(systemPrompts, msg.Content)
			continue
		}
		history = append(history, provider.Message{Role: msg.Role, Content: msg.Content})
	}
	history = append(history, provider.Message{Role: models.RoleUser, Content: userMessage})
	return history, systemPrompts
}

func (s *Session) timestamp() int64 {
	return s.o.now().UnixMilli()
}

func (s *Session) contentFrame(delta, content string) Frame {
	return Frame{
		Type:      FrameContent,
		ID:        s.streamID,
		Model:     s.conversation.Model,
		Timestamp: s.timestamp(),
		Delta:     delta,
		Content:   content,
		Role:      models.RoleAssistant,
	}
}

func (s *Session) doneFrame() Frame {
	return Frame{
		Type:         FrameDone,
		ID:           s.streamID,
		Model:        s.conversation.Model,
		Timestamp:    s.timestamp(),
		FinishReason: finishReasonStop,
	}
}

func (s *Session) errorFrame(err error) Frame {
	return Frame{
		Type:      FrameError,
		ID:        s.streamID,
		Model:     s.conversation.Model,
		Timestamp: s.timestamp(),
		Error:     &FrameErrorBody{Message: apperr.UserMessage(err)},
	}
}
