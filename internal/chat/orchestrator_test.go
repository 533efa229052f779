package chat

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/AnotherChat/internal/apperr"
	"github.com/router-for-me/AnotherChat/internal/config"
	"github.com/router-for-me/AnotherChat/internal/db"
	"github.com/router-for-me/AnotherChat/internal/models"
	"github.com/router-for-me/AnotherChat/internal/provider"
	"github.com/router-for-me/AnotherChat/internal/store"
)

type resolverFunc func(ctx context.Context, userID, providerName, model string) (provider.Backend, error)

func (f resolverFunc) Resolve(ctx context.Context, userID, providerName, model string) (provider.Backend, error) {
	return f(ctx, userID, providerName, model)
}

type scriptedBackend struct {
	chunks []provider.Chunk
	err    error
	// block makes Recv wait for Close after the scripted chunks.
	block bool

	mu            sync.Mutex
	history       []provider.Message
	systemPrompts []string
}

func (b *scriptedBackend) Stream(_ context.Context, messages []provider.Message, systemPrompts []string) (provider.Stream, error) {
	b.mu.Lock()
	b.history = append([]provider.Message(nil), messages...)
	b.systemPrompts = append([]string(nil), systemPrompts...)
	b.mu.Unlock()
	return &scriptedStream{backend: b, closed: make(chan struct{})}, nil
}

type scriptedStream struct {
	backend   *scriptedBackend
	next      int
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *scriptedStream) Recv() (provider.Chunk, error) {
	if s.next < len(s.backend.chunks) {
		chunk := s.backend.chunks[s.next]
		s.next++
		return chunk, nil
	}
	if s.backend.err != nil {
		return provider.Chunk{}, s.backend.err
	}
	if s.backend.block {
		<-s.closed
	}
	return provider.Chunk{}, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []Frame
	// failAfter makes Send fail once this many frames were accepted; 0 disables.
	failAfter int
}

func (r *frameRecorder) Send(frame Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.frames) >= r.failAfter {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *frameRecorder) snapshot() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

func newTestStore(t *testing.T) *store.ConversationStore {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return store.NewConversationStore(conn)
}

func newConversation(t *testing.T, conversations *store.ConversationStore, providerName string) *models.Conversation {
	t.Helper()
	conversation, err := conversations.CreateConversation(context.Background(), store.CreateConversationParams{
		UserID: "u1", Model: "llava:latest", Provider: providerName,
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conversation
}

func staticResolver(backend provider.Backend) BackendResolver {
	return resolverFunc(func(context.Context, string, string, string) (provider.Backend, error) {
		return backend, nil
	})
}

func loadMessages(t *testing.T, conversations *store.ConversationStore, id string) []models.Message {
	t.Helper()
	conversation, err := conversations.GetConversation(context.Background(), id, "u1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	return conversation.Messages
}

func runStream(t *testing.T, orchestrator *Orchestrator, ctx context.Context, conversationID, message string, sink Sink) error {
	t.Helper()
	session, err := orchestrator.Open(ctx, StreamRequest{ConversationID: conversationID, UserID: "u1", UserMessage: message})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return session.Run(ctx, sink)
}

func assertSingleTerminal(t *testing.T, frames []Frame, wantType string) {
	t.Helper()
	terminals := 0
	for i, frame := range frames {
		if frame.Terminal() {
			terminals++
			if i != len(frames)-1 {
				t.Fatalf("terminal frame at %d is not last", i)
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal frame, got %d in %+v", terminals, frames)
	}
	if got := frames[len(frames)-1].Type; got != wantType {
		t.Fatalf("expected terminal %q, got %q", wantType, got)
	}
}

func TestRun_LocalProviderEndToEnd(t *testing.T) {
	conversations := newTestStore(t)
	conversation := newConversation(t, conversations, "ollama")
	if _, err := conversations.AddMessage(context.Background(), store.AddMessageParams{
		ConversationID: conversation.ID, UserID: "u1", Role: models.RoleSystem, Content: "be brief", Model: "llava:latest",
	}); err != nil {
		t.Fatalf("add system message: %v", err)
	}

	backend := &scriptedBackend{chunks: []provider.Chunk{
		{Delta: "Hel", Content: "Hel"},
		{Delta: "lo", Content: "Hello"},
	}}
	orchestrator := NewOrchestrator(conversations, staticResolver(backend), nil, Config{})
	sink := &frameRecorder{}

	if err := runStream(t, orchestrator, context.Background(), conversation.ID, "  hello ", sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	frames := sink.snapshot()
	assertSingleTerminal(t, frames, FrameDone)
	if len(frames) != 3 {
		t.Fatalf("expected 2 content frames and done, got %+v", frames)
	}
	if frames[1].Delta != "lo" || frames[1].Content != "Hello" || frames[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected content frame: %+v", frames[1])
	}
	if frames[2].FinishReason != "stop" || frames[2].ID != frames[0].ID || frames[2].Model != "llava:latest" {
		t.Fatalf("unexpected done frame: %+v", frames[2])
	}

	if len(backend.systemPrompts) != 1 || backend.systemPrompts[0] != "be brief" {
		t.Fatalf("expected system prompt forwarded, got %v", backend.systemPrompts)
	}
	if len(backend.history) != 1 || backend.history[0].Content != "hello" || backend.history[0].Role != models.RoleUser {
		t.Fatalf("expected only the new user turn in history, got %+v", backend.history)
	}

	messages := loadMessages(t, conversations, conversation.ID)
	if len(messages) != 3 {
		t.Fatalf("expected system + user + assistant, got %+v", messages)
	}
	if messages[1].Role != models.RoleUser || messages[1].Content != "hello" {
		t.Fatalf("unexpected user message: %+v", messages[1])
	}
	if messages[2].Role != models.RoleAssistant || messages[2].Content != "Hello" {
		t.Fatalf("unexpected assistant message: %+v", messages[2])
	}
}

func TestRun_AccumulationModes(t *testing.T) {
	chunks := []provider.Chunk{
		{Delta: "a", Content: "snap-1"},
		{Delta: "b", Content: "snap-2"},
	}
	cases := map[string]string{
		config.AccumulateSnapshot: "snap-2",
		config.AccumulateDelta:    "ab",
	}
	for mode, want := range cases {
		t.Run(mode, func(t *testing.T) {
			conversations := newTestStore(t)
			conversation := newConversation(t, conversations, "ollama")
			orchestrator := NewOrchestrator(conversations, staticResolver(&scriptedBackend{chunks: chunks}), nil, Config{Accumulate: mode})
			sink := &frameRecorder{}
			if err := runStream(t, orchestrator, context.Background(), conversation.ID, "q", sink); err != nil {
				t.Fatalf("run: %v", err)
			}
			frames := sink.snapshot()
			if frames[1].Content != want {
				t.Fatalf("expected frame content %q, got %q", want, frames[1].Content)
			}
			messages := loadMessages(t, conversations, conversation.ID)
			if len(messages) != 2 || messages[1].Content != want {
				t.Fatalf("expected assistant %q, got %+v", want, messages)
			}
		})
	}
}

func TestRun_MissingCredentialEmitsOneErrorAndPersistsNothing(t *testing.T) {
	conversations := newTestStore(t)
	conversation := newConversation(t, conversations, "openai")
	resolver := resolverFunc(func(_ context.Context, _, providerName, _ string) (provider.Backend, error) {
		return nil, &apperr.MissingCredentialError{Provider: providerName}
	})
	orchestrator := NewOrchestrator(conversations, resolver, nil, Config{})
	sink := &frameRecorder{}

	errRun := runStream(t, orchestrator, context.Background(), conversation.ID, "hello", sink)
	var missing *apperr.MissingCredentialError
	if !errors.As(errRun, &missing) {
		t.Fatalf("expected MissingCredentialError, got %v", errRun)
	}
	frames := sink.snapshot()
	if len(frames) != 1 {
		t.Fatalf("expected a single frame, got %+v", frames)
	}
	assertSingleTerminal(t, frames, FrameError)
	if !strings.Contains(frames[0].Error.Message, "No API key found for provider: openai") {
		t.Fatalf("unexpected error message: %q", frames[0].Error.Message)
	}
	if messages := loadMessages(t, conversations, conversation.ID); len(messages) != 0 {
		t.Fatalf("expected no messages persisted, got %+v", messages)
	}
}

func TestRun_DecryptionErrorAsksToReAddKey(t *testing.T) {
	conversations := newTestStore(t)
	conversation := newConversation(t, conversations, "openai")
	resolver := resolverFunc(func(context.Context, string, string, string) (provider.Backend, error) {
		return nil, &apperr.DecryptionError{Reason: "authentication failed"}
	})
	sink := &frameRecorder{}
	_ = runStream(t, NewOrchestrator(conversations, resolver, nil, Config{}), context.Background(), conversation.ID, "hi", sink)
	frames := sink.snapshot()
	assertSingleTerminal(t, frames, FrameError)
	if !strings.Contains(frames[0].Error.Message, "re-add") {
		t.Fatalf("expected re-add hint, got %q", frames[0].Error.Message)
	}
}

func TestRun_UpstreamErrorPersistsPartialReply(t *testing.T) {
	conversations := newTestStore(t)
	conversation := newConversation(t, conversations, "ollama")
	backend := &scriptedBackend{
		chunks: []provider.Chunk{{Delta: "partial", Content: "partial"}},
		err:    errors.New("connection reset"),
	}
	sink := &frameRecorder{}
	errRun := runStream(t, NewOrchestrator(conversations, staticResolver(backend), nil, Config{}), context.Background(), conversation.ID, "hi", sink)
	var upstream *apperr.UpstreamError
	if !errors.As(errRun, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", errRun)
	}
	frames := sink.snapshot()
	assertSingleTerminal(t, frames, FrameError)
	if got := frames[len(frames)-1].Error.Message; got != "ollama request failed" {
		t.Fatalf("expected generic upstream message, got %q", got)
	}
	messages := loadMessages(t, conversations, conversation.ID)
	if len(messages) != 2 || messages[1].Content != "partial" {
		t.Fatalf("expected user and partial assistant, got %+v", messages)
	}
}

func TestRun_UpstreamTimeout(t *testing.T) {
	conversations := newTestStore(t)
	conversation := newConversation(t, conversations, "ollama")
	backend := &scriptedBackend{chunks: []provider.Chunk{{Delta: "slow", Content: "slow"}}, block: true}
	orchestrator := NewOrchestrator(conversations, staticResolver(backend), nil, Config{UpstreamTimeout: 50 * time.Millisecond})
	sink := &frameRecorder{}

	errRun := runStream(t, orchestrator, context.Background(), conversation.ID, "hi", sink)
	if errRun == nil || !strings.Contains(errRun.Error(), "no response within") {
		t.Fatalf("expected timeout error, got %v", errRun)
	}
	frames := sink.snapshot()
	assertSingleTerminal(t, frames, FrameError)
	if got := frames[len(frames)-1].Error.Message; got != "ollama did not respond within 50ms" {
		t.Fatalf("unexpected timeout message: %q", got)
	}
	messages := loadMessages(t, conversations, conversation.ID)
	if len(messages) != 2 || messages[1].Content != "slow" {
		t.Fatalf("expected produced text persisted, got %+v", messages)
	}
}

func TestRun_ClientDisconnectStillPersists(t *testing.T) {
	conversations := newTestStore(t)
	conversation := newConversation(t, conversations, "ollama")
	backend := &scriptedBackend{chunks: []provider.Chunk{
		{Delta: "one ", Content: "one "},
		{Delta: "two ", Content: "one two "},
		{Delta: "three", Content: "one two three"},
	}}
	orchestrator := NewOrchestrator(conversations, staticResolver(backend), nil, Config{})
	sink := &frameRecorder{failAfter: 1}

	ctx, cancel := context.WithCancel(context.Background())
	session, err := orchestrator.Open(ctx, StreamRequest{ConversationID: conversation.ID, UserID: "u1", UserMessage: "count"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cancel()
	if errRun := session.Run(ctx, sink); errRun != nil {
		t.Fatalf("run: %v", errRun)
	}

	if frames := sink.snapshot(); len(frames) != 1 {
		t.Fatalf("expected frames after the failed write to be dropped, got %+v", frames)
	}
	messages := loadMessages(t, conversations, conversation.ID)
	if len(messages) != 2 || messages[0].Content != "count" || messages[1].Content != "one two three" {
		t.Fatalf("expected both messages persisted, got %+v", messages)
	}
}

func TestOpen_RejectsConcurrentStream(t *testing.T) {
	conversations := newTestStore(t)
	conversation := newConversation(t, conversations, "ollama")
	orchestrator := NewOrchestrator(conversations, staticResolver(&scriptedBackend{}), nil, Config{})
	req := StreamRequest{ConversationID: conversation.ID, UserID: "u1", UserMessage: "hi"}

	first, err := orchestrator.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = orchestrator.Open(context.Background(), req)
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	first.Close()
	second, err := orchestrator.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("expected lock released after Close, got %v", err)
	}
	if errRun := second.Run(context.Background(), &frameRecorder{}); errRun != nil {
		t.Fatalf("run: %v", errRun)
	}
	third, err := orchestrator.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("expected lock released after Run, got %v", err)
	}
	third.Close()
}

func TestOpen_ValidatesBeforeStreaming(t *testing.T) {
	conversations := newTestStore(t)
	conversation := newConversation(t, conversations, "ollama")
	orchestrator := NewOrchestrator(conversations, staticResolver(&scriptedBackend{}), nil, Config{})

	_, err := orchestrator.Open(context.Background(), StreamRequest{ConversationID: conversation.ID, UserID: "u1", UserMessage: " \n "})
	var validation *apperr.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	_, err = orchestrator.Open(context.Background(), StreamRequest{ConversationID: conversation.ID, UserID: "u2", UserMessage: "hi"})
	var notFound *apperr.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestMemoryLocker_ReleaseIsIdempotent(t *testing.T) {
	locker := NewMemoryLocker()
	release, err := locker.Acquire(context.Background(), "c1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, errBusy := locker.Acquire(context.Background(), "c1"); errBusy == nil {
		t.Fatalf("expected conflict")
	}
	if _, errOther := locker.Acquire(context.Background(), "c2"); errOther != nil {
		t.Fatalf("expected independent key, got %v", errOther)
	}
	release()
	again, err := locker.Acquire(context.Background(), "c1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	release()
	if _, errBusy := locker.Acquire(context.Background(), "c1"); errBusy == nil {
		t.Fatalf("stale release must not free a newer holder")
	}
	again()
}
