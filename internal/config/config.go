package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath     = "CONFIG_PATH"
	EnvDBConnection   = "DB_CONNECTION"
	EnvSessionSecret  = "SESSION_SECRET"
	EnvEncryptionKey  = "ENCRYPTION_KEY"
	EnvRedisAddr      = "REDIS_ADDR"
	EnvOllamaBaseURL  = "OLLAMA_BASE_URL"
	EnvPort           = "PORT"
	EnvLogLevel       = "LOG_LEVEL"
	EnvCatalogSyncURL = "CATALOG_SYNC_URL"
)

// Accumulation modes for assistant text during streaming.
const (
	// AccumulateSnapshot treats each chunk's content as the full transcript so far.
	AccumulateSnapshot = "snapshot"
	// AccumulateDelta appends each chunk's delta to the transcript.
	AccumulateDelta = "delta"
)

const (
	defaultPort            = 8080
	defaultUpstreamTimeout = 5 * time.Minute
	defaultPersistTimeout  = 10 * time.Second
	defaultOllamaBaseURL   = "http://localhost:11434"
	defaultLMStudioBaseURL = "http://localhost:1234/v1"
	defaultAnthropicTokens = 4096
	defaultRedisPrefix     = "anotherchat"
	defaultCatalogURL      = "https://models.dev/api.json"
	defaultCatalogInterval = 30 * time.Minute
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in env or the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set DB_CONNECTION, `database-dsn` or `database.dsn` in config file)")

// ErrMissingSessionSecret indicates session tokens cannot be verified.
var ErrMissingSessionSecret = errors.New("missing session secret (set SESSION_SECRET or `session.secret` in config file)")

// LoadDatabaseDSN reads the database DSN from env or the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrMissingDatabaseDSN
		}
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// LoadEncryptionKey returns the vault passphrase from the environment.
// Length validation happens in vault.New.
func LoadEncryptionKey() string {
	return os.Getenv(EnvEncryptionKey)
}

// SessionConfig holds settings for verifying session tokens from the auth service.
type SessionConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors-origins"`
}

// ChatConfig tunes the streaming orchestrator.
type ChatConfig struct {
	Accumulate      string        `yaml:"accumulate"`
	UpstreamTimeout time.Duration `yaml:"upstream-timeout"`
	PersistTimeout  time.Duration `yaml:"persist-timeout"`
	LocalProviders  []string      `yaml:"local-providers"`
}

// ProvidersConfig holds backend endpoints and defaults.
type ProvidersConfig struct {
	OllamaBaseURL      string `yaml:"ollama-base-url"`
	LMStudioBaseURL    string `yaml:"lmstudio-base-url"`
	OpenAIBaseURL      string `yaml:"openai-base-url"`
	AnthropicBaseURL   string `yaml:"anthropic-base-url"`
	AnthropicMaxTokens int    `yaml:"anthropic-max-tokens"`
}

// RedisConfig holds the optional Redis connection used for rate limits and stream locks.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CatalogConfig controls the models.dev catalog syncer.
type CatalogConfig struct {
	SyncEnabled bool          `yaml:"sync-enabled"`
	URL         string        `yaml:"url"`
	Interval    time.Duration `yaml:"interval"`
}

// RuntimeConfig is the full file-backed configuration after env overrides.
type RuntimeConfig struct {
	LogLevel  string          `yaml:"log-level"`
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Chat      ChatConfig      `yaml:"chat"`
	Providers ProvidersConfig `yaml:"providers"`
	Redis     RedisConfig     `yaml:"redis"`
	Catalog   CatalogConfig   `yaml:"catalog"`
}

// LoadRuntimeConfig loads the YAML config file, applies env overrides and fills defaults.
// A missing file is not an error.
func LoadRuntimeConfig(configPath string) (RuntimeConfig, error) {
	var cfg RuntimeConfig

	data, errRead := os.ReadFile(configPath)
	if errRead != nil && !errors.Is(errRead, os.ErrNotExist) {
		return RuntimeConfig{}, fmt.Errorf("read config file: %w", errRead)
	}
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return RuntimeConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if errValidate := cfg.validate(); errValidate != nil {
		return RuntimeConfig{}, errValidate
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *RuntimeConfig) {
	if secret := strings.TrimSpace(os.Getenv(EnvSessionSecret)); secret != "" {
		cfg.Session.Secret = secret
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if baseURL := strings.TrimSpace(os.Getenv(EnvOllamaBaseURL)); baseURL != "" {
		cfg.Providers.OllamaBaseURL = baseURL
	}
	if portRaw := strings.TrimSpace(os.Getenv(EnvPort)); portRaw != "" {
		if port, errParse := strconv.Atoi(portRaw); errParse == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.LogLevel = level
	}
	if syncURL := strings.TrimSpace(os.Getenv(EnvCatalogSyncURL)); syncURL != "" {
		cfg.Catalog.URL = syncURL
	}
}

func applyDefaults(cfg *RuntimeConfig) {
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = defaultPort
	}
	cfg.Chat.Accumulate = strings.ToLower(strings.TrimSpace(cfg.Chat.Accumulate))
	if cfg.Chat.Accumulate == "" {
		cfg.Chat.Accumulate = AccumulateSnapshot
	}
	if cfg.Chat.UpstreamTimeout <= 0 {
		cfg.Chat.UpstreamTimeout = defaultUpstreamTimeout
	}
	if cfg.Chat.PersistTimeout <= 0 {
		cfg.Chat.PersistTimeout = defaultPersistTimeout
	}
	if len(cfg.Chat.LocalProviders) == 0 {
		cfg.Chat.LocalProviders = []string{"ollama", "lmstudio"}
	}
	if strings.TrimSpace(cfg.Providers.OllamaBaseURL) == "" {
		cfg.Providers.OllamaBaseURL = defaultOllamaBaseURL
	}
	if strings.TrimSpace(cfg.Providers.LMStudioBaseURL) == "" {
		cfg.Providers.LMStudioBaseURL = defaultLMStudioBaseURL
	}
	if cfg.Providers.AnthropicMaxTokens <= 0 {
		cfg.Providers.AnthropicMaxTokens = defaultAnthropicTokens
	}
	if strings.TrimSpace(cfg.Redis.Prefix) == "" {
		cfg.Redis.Prefix = defaultRedisPrefix
	}
	if cfg.Redis.DB < 0 {
		cfg.Redis.DB = 0
	}
	if strings.TrimSpace(cfg.Catalog.URL) == "" {
		cfg.Catalog.URL = defaultCatalogURL
	}
	if cfg.Catalog.Interval <= 0 {
		cfg.Catalog.Interval = defaultCatalogInterval
	}
}

func (c RuntimeConfig) validate() error {
	switch c.Chat.Accumulate {
	case AccumulateSnapshot, AccumulateDelta:
	default:
		return fmt.Errorf("config: invalid chat.accumulate %q (want %q or %q)", c.Chat.Accumulate, AccumulateSnapshot, AccumulateDelta)
	}
	if strings.TrimSpace(c.Session.Secret) == "" {
		return ErrMissingSessionSecret
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("config: redis.enabled requires redis.addr")
	}
	return nil
}
