package ratelimit

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	internalsettings "github.com/router-for-me/AnotherChat/internal/settings"
)

// ValueSource exposes raw settings values by key.
type ValueSource interface {
	Value(key string) (json.RawMessage, bool)
}

// SettingsConfig captures stream rate limit settings stored in the settings table.
type SettingsConfig struct {
	Limit  int
	Window time.Duration
}

// LoadSettingsConfig reads the current stream rate limit settings from source.
// Missing or malformed values fall back to defaults.
func LoadSettingsConfig(source ValueSource) SettingsConfig {
	cfg := SettingsConfig{
		Limit:  internalsettings.DefaultStreamRateLimit,
		Window: time.Duration(internalsettings.DefaultStreamRateLimitWindowSeconds) * time.Second,
	}
	if source == nil {
		return cfg
	}
	if raw, ok := source.Value(internalsettings.StreamRateLimitKey); ok {
		if limit, okParse := parseNonNegativeInt(raw); okParse {
			cfg.Limit = limit
		}
	}
	if raw, ok := source.Value(internalsettings.StreamRateLimitWindowSecondsKey); ok {
		if seconds, okParse := parseNonNegativeInt(raw); okParse && seconds > 0 {
			cfg.Window = time.Duration(seconds) * time.Second
		}
	}
	return cfg
}

// SettingsFrom adapts a ValueSource into a SettingsProvider.
func SettingsFrom(source ValueSource) SettingsProvider {
	return func() SettingsConfig { return LoadSettingsConfig(source) }
}

func parseNonNegativeInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedInt int
	if errUnmarshalInt := json.Unmarshal(raw, &parsedInt); errUnmarshalInt == nil {
		return parsedInt, parsedInt >= 0
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(parsedString))
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed >= 0
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if math.IsNaN(parsedFloat) || math.IsInf(parsedFloat, 0) {
			return 0, false
		}
		if parsedFloat < 0 || parsedFloat != math.Trunc(parsedFloat) {
			return 0, false
		}
		return int(parsedFloat), true
	}
	return 0, false
}
