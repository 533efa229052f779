package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// lmStudioAPIKey is sent to LM Studio, which ignores it but the OpenAI client requires one.
const lmStudioAPIKey = "lm-studio"

// ChatModelBackend adapts an eino chat model to Backend.
type ChatModelBackend struct {
	chatModel einomodel.BaseChatModel
}

// NewChatModelBackend wraps chatModel.
func NewChatModelBackend(chatModel einomodel.BaseChatModel) *ChatModelBackend {
	return &ChatModelBackend{chatModel: chatModel}
}

// Stream starts a streamed completion.
func (b *ChatModelBackend) Stream(ctx context.Context, messages []Message, systemPrompts []string) (Stream, error) {
	if b == nil || b.chatModel == nil {
		return nil, fmt.Errorf("provider: chat model not initialized")
	}
	reader, errStream := b.chatModel.Stream(ctx, toSchemaMessages(messages, systemPrompts))
	if errStream != nil {
		return nil, errStream
	}
	if reader == nil {
		return nil, fmt.Errorf("provider: chat model returned nil stream")
	}
	return &schemaStream{reader: reader}, nil
}

func toSchemaMessages(messages []Message, systemPrompts []string) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages)+len(systemPrompts))
	for _, prompt := range systemPrompts {
		if strings.TrimSpace(prompt) == "" {
			continue
		}
		out = append(out, schema.SystemMessage(prompt))
	}
	for _, msg := range messages {
		switch msg.Role {
		case string(schema.Assistant):
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		case string(schema.System):
			out = append(out, schema.SystemMessage(msg.Content))
		default:
			out = append(out, schema.UserMessage(msg.Content))
		}
	}
	return out
}

// schemaStream turns eino message frames into chunks, keeping the running transcript.
type schemaStream struct {
	reader  *schema.StreamReader[*schema.Message]
	content strings.Builder
}

func (s *schemaStream) Recv() (Chunk, error) {
	for {
		msg, errRecv := s.reader.Recv()
		if errRecv != nil {
			if errors.Is(errRecv, io.EOF) {
				return Chunk{}, io.EOF
			}
			return Chunk{}, errRecv
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		s.content.WriteString(msg.Content)
		return Chunk{Delta: msg.Content, Content: s.content.String()}, nil
	}
}

func (s *schemaStream) Close() error {
	s.reader.Close()
	return nil
}

// NewOpenAIFactory builds OpenAI backends. An empty baseURL uses the public endpoint.
func NewOpenAIFactory(baseURL string, timeout time.Duration) CloudFactory {
	return func(ctx context.Context, model, apiKey string) (Backend, error) {
		chatModel, errNew := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:  apiKey,
			Model:   model,
			BaseURL: strings.TrimSpace(baseURL),
			Timeout: timeout,
		})
		if errNew != nil {
			return nil, fmt.Errorf("provider: openai: %w", errNew)
		}
		return NewChatModelBackend(chatModel), nil
	}
}

// NewLMStudioFactory builds backends against LM Studio's OpenAI-compatible server.
func NewLMStudioFactory(baseURL string, timeout time.Duration) LocalFactory {
	return func(ctx context.Context, model string) (Backend, error) {
		chatModel, errNew := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:  lmStudioAPIKey,
			Model:   model,
			BaseURL: strings.TrimSpace(baseURL),
			Timeout: timeout,
		})
		if errNew != nil {
			return nil, fmt.Errorf("provider: lmstudio: %w", errNew)
		}
		return NewChatModelBackend(chatModel), nil
	}
}

// NewAnthropicFactory builds Anthropic backends.
func NewAnthropicFactory(baseURL string, maxTokens int) CloudFactory {
	return func(ctx context.Context, model, apiKey string) (Backend, error) {
		cfg := &claude.Config{
			APIKey:    apiKey,
			Model:     model,
			MaxTokens: maxTokens,
		}
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			cfg.BaseURL = &trimmed
		}
		chatModel, errNew := claude.NewChatModel(ctx, cfg)
		if errNew != nil {
			return nil, fmt.Errorf("provider: anthropic: %w", errNew)
		}
		return NewChatModelBackend(chatModel), nil
	}
}

// NewGeminiFactory builds Gemini backends over the Gemini API.
func NewGeminiFactory() CloudFactory {
	return func(ctx context.Context, model, apiKey string) (Backend, error) {
		client, errClient := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if errClient != nil {
			return nil, fmt.Errorf("provider: gemini client: %w", errClient)
		}
		chatModel, errNew := gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  model,
		})
		if errNew != nil {
			return nil, fmt.Errorf("provider: gemini: %w", errNew)
		}
		return NewChatModelBackend(chatModel), nil
	}
}
