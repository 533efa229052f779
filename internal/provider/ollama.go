package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	ollamaChatPath = "/api/chat"
	// maxOllamaLine bounds a single NDJSON frame.
	maxOllamaLine = 1 << 20
)

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

// OllamaBackend streams completions from Ollama's native chat endpoint.
type OllamaBackend struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaFactory builds Ollama backends rooted at baseURL.
// httpClient may be nil to use a client without a global timeout.
func NewOllamaFactory(baseURL string, httpClient *http.Client) LocalFactory {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	root := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return func(_ context.Context, model string) (Backend, error) {
		if root == "" {
			return nil, fmt.Errorf("provider: ollama base url is empty")
		}
		return &OllamaBackend{baseURL: root, model: model, httpClient: httpClient}, nil
	}
}

// Stream posts the conversation and returns the NDJSON response as a chunk stream.
func (b *OllamaBackend) Stream(ctx context.Context, messages []Message, systemPrompts []string) (Stream, error) {
	payload := ollamaChatRequest{
		Model:    b.model,
		Messages: make([]ollamaMessage, 0, len(messages)+len(systemPrompts)),
		Stream:   true,
	}
	for _, prompt := range systemPrompts {
		if strings.TrimSpace(prompt) == "" {
			continue
		}
		payload.Messages = append(payload.Messages, ollamaMessage{Role: "system", Content: prompt})
	}
	for _, msg := range messages {
		payload.Messages = append(payload.Messages, ollamaMessage{Role: msg.Role, Content: msg.Content})
	}
	body, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return nil, fmt.Errorf("provider: ollama: encode request: %w", errMarshal)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+ollamaChatPath, bytes.NewReader(body))
	if errReq != nil {
		return nil, fmt.Errorf("provider: ollama: build request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, errDo := b.httpClient.Do(req)
	if errDo != nil {
		return nil, fmt.Errorf("provider: ollama: request: %w", errDo)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if msg := gjson.GetBytes(detail, "error").String(); msg != "" {
			return nil, fmt.Errorf("provider: ollama: status %d: %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("provider: ollama: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOllamaLine)
	return &ollamaStream{body: resp.Body, scanner: scanner}, nil
}

type ollamaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	content strings.Builder
	done    bool
}

func (s *ollamaStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || !gjson.ValidBytes(line) {
			continue
		}
		if msg := gjson.GetBytes(line, "error"); msg.Exists() {
			s.done = true
			return Chunk{}, fmt.Errorf("provider: ollama: %s", msg.String())
		}
		delta := gjson.GetBytes(line, "message.content").String()
		if gjson.GetBytes(line, "done").Bool() {
			s.done = true
		}
		if delta != "" {
			s.content.WriteString(delta)
			return Chunk{Delta: delta, Content: s.content.String()}, nil
		}
		if s.done {
			return Chunk{}, io.EOF
		}
	}
	s.done = true
	if errScan := s.scanner.Err(); errScan != nil {
		return Chunk{}, fmt.Errorf("provider: ollama: read stream: %w", errScan)
	}
	return Chunk{}, io.EOF
}

func (s *ollamaStream) Close() error {
	return s.body.Close()
}
