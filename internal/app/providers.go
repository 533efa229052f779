package app

import (
	"net/http"

	"github.com/router-for-me/AnotherChat/internal/config"
	"github.com/router-for-me/AnotherChat/internal/provider"
	"github.com/router-for-me/AnotherChat/internal/providerkeys"
)

// BuildRegistry registers every built-in backend. Local providers stream
// without a user key; the rest resolve the user's newest active key.
func BuildRegistry(cfg config.RuntimeConfig) *provider.Registry {
	registry := provider.NewRegistry(cfg.Chat.LocalProviders)
	timeout := cfg.Chat.UpstreamTimeout

	// Streams are bounded by the orchestrator's context, not a client timeout.
	registry.RegisterLocal(providerkeys.ProviderOllama, provider.NewOllamaFactory(cfg.Providers.OllamaBaseURL, &http.Client{}))
	registry.RegisterLocal(providerkeys.ProviderLMStudio, provider.NewLMStudioFactory(cfg.Providers.LMStudioBaseURL, timeout))

	registry.RegisterCloud(providerkeys.ProviderOpenAI, provider.NewOpenAIFactory(cfg.Providers.OpenAIBaseURL, timeout))
	registry.RegisterCloud(providerkeys.ProviderAnthropic, provider.NewAnthropicFactory(cfg.Providers.AnthropicBaseURL, cfg.Providers.AnthropicMaxTokens))
	registry.RegisterCloud(providerkeys.ProviderGemini, provider.NewGeminiFactory())
	return registry
}
