package providerkeys

import (
	"regexp"
	"strings"
)

// Canonical provider identifiers.
const (
	ProviderOllama    = "ollama"
	ProviderLMStudio  = "lmstudio"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// MaxNameLength bounds provider identifiers.
const MaxNameLength = 50

var providerAliases = map[string]string{
	"claude":    ProviderAnthropic,
	"google":    ProviderGemini,
	"lm-studio": ProviderLMStudio,
	"lm_studio": ProviderLMStudio,
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Normalize lowercases and trims a provider name and resolves known aliases.
func Normalize(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if canonical, ok := providerAliases[normalized]; ok {
		return canonical
	}
	return normalized
}

// ValidName reports whether value is an acceptable provider identifier.
func ValidName(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed != "" && len(trimmed) <= MaxNameLength && namePattern.MatchString(trimmed)
}
