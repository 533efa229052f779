package front

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/router-for-me/AnotherChat/internal/catalog"
	"github.com/router-for-me/AnotherChat/internal/chat"
	"github.com/router-for-me/AnotherChat/internal/config"
	"github.com/router-for-me/AnotherChat/internal/db"
	handlers "github.com/router-for-me/AnotherChat/internal/http/api/front/handlers"
	"github.com/router-for-me/AnotherChat/internal/provider"
	"github.com/router-for-me/AnotherChat/internal/ratelimit"
	"github.com/router-for-me/AnotherChat/internal/security"
	"github.com/router-for-me/AnotherChat/internal/store"
	"github.com/router-for-me/AnotherChat/internal/vault"
)

const (
	testSecret     = "front-test-session-secret"
	testPassphrase = "0123456789abcdef0123456789abcdef"
)

type echoBackend struct{ words []string }

func (b echoBackend) Stream(_ context.Context, _ []provider.Message, _ []string) (provider.Stream, error) {
	return &echoStream{words: b.words}, nil
}

type echoStream struct {
	words []string
	sent  []string
}

func (s *echoStream) Recv() (provider.Chunk, error) {
	if len(s.sent) == len(s.words) {
		return provider.Chunk{}, io.EOF
	}
	word := s.words[len(s.sent)]
	s.sent = append(s.sent, word)
	return provider.Chunk{Delta: word, Content: strings.Join(s.sent, "")}, nil
}

func (s *echoStream) Close() error { return nil }

type denyLimiter struct{ reset time.Time }

func (d denyLimiter) Allow(context.Context, string) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: false, Reset: d.reset}, nil
}

type testServer struct {
	engine        *gin.Engine
	conversations *store.ConversationStore
}

func newTestServer(t *testing.T, limiter handlers.StreamLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "front.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	v, err := vault.New(testPassphrase)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	conversations := store.NewConversationStore(conn)
	apiKeys := store.NewAPIKeyStore(conn, v)
	registry := provider.NewRegistry([]string{"ollama"})
	registry.RegisterLocal("ollama", func(context.Context, string) (provider.Backend, error) {
		return echoBackend{words: []string{"Hel", "lo"}}, nil
	})
	resolver := provider.NewResolver(registry, apiKeys)
	orchestrator := chat.NewOrchestrator(conversations, resolver, nil, chat.Config{Accumulate: config.AccumulateSnapshot})

	engine := gin.New()
	RegisterFrontRoutes(engine, Deps{
		DB:            conn,
		Session:       config.SessionConfig{Secret: testSecret},
		CORSOrigins:   []string{"http://localhost:3000"},
		Users:         store.NewUserStore(conn),
		Conversations: conversations,
		APIKeys:       apiKeys,
		Catalog:       catalog.New(conn),
		Orchestrator:  orchestrator,
		Limiter:       limiter,
	})
	return &testServer{engine: engine, conversations: conversations}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := security.SignSessionToken(testSecret, &security.SessionClaims{
		Email: userID + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func (s *testServer) createConversation(t *testing.T, userID, providerName string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/conversations", userID,
		`{"model":"llava:latest","provider":"`+providerName+`","initialMessage":"hi there"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create conversation: %d %s", rec.Code, rec.Body.String())
	}
	conversation := decode(t, rec)["conversation"].(map[string]any)
	return conversation["id"].(string)
}

func readFrames(t *testing.T, body string) []chat.Frame {
	t.Helper()
	var frames []chat.Frame
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame chat.Frame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestSessionAuthMiddleware(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/conversations", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz without auth, got %d", rec.Code)
	}
}

func TestConversationRoutes_OwnershipAndValidation(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createConversation(t, "u1", "ollama")

	rec := s.do(t, http.MethodGet, "/api/conversations/"+id, "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	conversation := decode(t, rec)["conversation"].(map[string]any)
	if conversation["title"] != "hi there" {
		t.Fatalf("unexpected title: %v", conversation["title"])
	}
	if messages := conversation["messages"].([]any); len(messages) != 1 {
		t.Fatalf("expected initial message saved, got %d", len(messages))
	}

	if rec = s.do(t, http.MethodGet, "/api/conversations/"+id, "u2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user, got %d", rec.Code)
	}
	if rec = s.do(t, http.MethodGet, "/api/conversations/not-a-uuid", "u1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
	if rec = s.do(t, http.MethodPatch, "/api/conversations/"+id+"/title", "u1", `{"title":"   "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank title, got %d", rec.Code)
	}
	if rec = s.do(t, http.MethodPatch, "/api/conversations/"+id+"/active", "u1", `{"isActive":false}`); rec.Code != http.StatusOK {
		t.Fatalf("archive: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/conversations", "u1", "")
	if list := decode(t, rec)["conversations"].([]any); len(list) != 0 {
		t.Fatalf("expected archived conversation hidden, got %d", len(list))
	}
	rec = s.do(t, http.MethodGet, "/api/conversations?includeInactive=true", "u1", "")
	body := decode(t, rec)
	if list := body["conversations"].([]any); len(list) != 1 {
		t.Fatalf("expected archived conversation listed, got %d", len(list))
	}
	if body["nextCursor"] != nil {
		t.Fatalf("expected no next cursor, got %v", body["nextCursor"])
	}
	if rec = s.do(t, http.MethodGet, "/api/conversations?limit=0", "u1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit=0, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/conversations/"+id+"/messages", "u1", `{"role":"assistant","content":"noted"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add message: %d %s", rec.Code, rec.Body.String())
	}
	if message := decode(t, rec)["message"].(map[string]any); message["model"] != "llava:latest" {
		t.Fatalf("expected conversation model, got %v", message["model"])
	}

	if rec = s.do(t, http.MethodDelete, "/api/conversations/"+id, "u2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting another user's conversation, got %d", rec.Code)
	}
	if rec = s.do(t, http.MethodDelete, "/api/conversations/"+id, "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
}

func TestAPIKeyRoutes_NeverReturnSecret(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/keys", "u1", `{"provider":"openai","apiKey":"sk-very-secret"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key: %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-very-secret") {
		t.Fatalf("secret leaked in create response")
	}
	key := decode(t, rec)["apiKey"].(map[string]any)
	id := key["id"].(string)

	rec = s.do(t, http.MethodGet, "/api/keys", "u1", "")
	if strings.Contains(rec.Body.String(), "sk-very-secret") || strings.Contains(rec.Body.String(), "encrypted") {
		t.Fatalf("secret leaked in list response: %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodPatch, "/api/keys/"+id+"/toggle", "u1", "")
	if rec.Code != http.StatusOK || decode(t, rec)["apiKey"].(map[string]any)["isActive"] != false {
		t.Fatalf("toggle: %d %s", rec.Code, rec.Body.String())
	}
	if rec = s.do(t, http.MethodPatch, "/api/keys/"+id+"/label", "u2", `{"label":"mine"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 relabeling another user's key, got %d", rec.Code)
	}
	if rec = s.do(t, http.MethodPost, "/api/keys", "u1", `{"provider":"bad provider!","apiKey":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid provider, got %d", rec.Code)
	}
	if rec = s.do(t, http.MethodDelete, "/api/keys/"+id, "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete key: %d", rec.Code)
	}
}

func TestStreamRoute_RelaysFramesAndPersists(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createConversation(t, "u1", "ollama")

	rec := s.do(t, http.MethodPost, "/api/conversations/"+id+"/stream", "u1", `{"messages":[{"role":"user","content":"hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	frames := readFrames(t, rec.Body.String())
	if len(frames) != 3 {
		t.Fatalf("expected 2 content frames and done, got %+v", frames)
	}
	if frames[1].Content != "Hello" || frames[2].Type != chat.FrameDone || frames[2].FinishReason != "stop" {
		t.Fatalf("unexpected frames: %+v", frames)
	}

	conversation, err := s.conversations.GetConversation(context.Background(), id, "u1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	messages := conversation.Messages
	if len(messages) != 3 || messages[1].Content != "hello" || messages[2].Content != "Hello" {
		t.Fatalf("expected initial, user and assistant messages, got %+v", messages)
	}
}

func TestStreamRoute_MissingCredentialIsTerminalFrame(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createConversation(t, "u1", "openai")

	rec := s.do(t, http.MethodPost, "/api/conversations/"+id+"/stream", "u1", `{"messages":[{"role":"user","content":"hello"}]}`)
	frames := readFrames(t, rec.Body.String())
	if len(frames) != 1 || frames[0].Type != chat.FrameError || frames[0].Error == nil {
		t.Fatalf("expected one error frame, got %+v", frames)
	}
	if !strings.Contains(frames[0].Error.Message, "openai") {
		t.Fatalf("expected actionable message, got %q", frames[0].Error.Message)
	}
}

func TestStreamRoute_RejectsBeforeStreaming(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createConversation(t, "u1", "ollama")
	path := "/api/conversations/" + id + "/stream"

	if rec := s.do(t, http.MethodPost, path, "u1", `{"messages":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty messages, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, path, "u1", `{"messages":[{"role":"assistant","content":"x"}]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when last turn is not the user, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, path, "u1", `{"messages":[{"role":"user","content":"   "}]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank content, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, path, "u2", `{"messages":[{"role":"user","content":"hi"}]}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user, got %d", rec.Code)
	}
}

func TestStreamRoute_RateLimited(t *testing.T) {
	s := newTestServer(t, denyLimiter{reset: time.Now().Add(30 * time.Second)})
	id := s.createConversation(t, "u1", "ollama")

	rec := s.do(t, http.MethodPost, "/api/conversations/"+id+"/stream", "u1", `{"messages":[{"role":"user","content":"hello"}]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestModelRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/models?q=LLAVA", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list models: %d", rec.Code)
	}
	if list := decode(t, rec)["models"].([]any); len(list) != 1 {
		t.Fatalf("expected one llava model, got %d", len(list))
	}
	rec = s.do(t, http.MethodGet, "/api/models/openai", "u1", "")
	if list := decode(t, rec)["models"].([]any); len(list) != 4 {
		t.Fatalf("expected four openai models, got %d", len(list))
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("unexpected preflight response: %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	req.Header.Set("Origin", "http://evil.test")
	rec = httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected unknown origin rejected, got %d", rec.Code)
	}
}
