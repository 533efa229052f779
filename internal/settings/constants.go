package settings

// DB setting keys and defaults.
const (
	// StreamRateLimitKey caps stream requests per user per window (0 means unlimited).
	StreamRateLimitKey = "STREAM_RATE_LIMIT"
	// StreamRateLimitWindowSecondsKey sets the rate limit window length in seconds.
	StreamRateLimitWindowSecondsKey = "STREAM_RATE_LIMIT_WINDOW_SECONDS"
	// DefaultStreamRateLimit is the fallback per-window stream limit.
	DefaultStreamRateLimit = 20
	// DefaultStreamRateLimitWindowSeconds is the fallback window length.
	DefaultStreamRateLimitWindowSeconds = 60
	// DefaultReloadIntervalSeconds controls how often the snapshot is refreshed from the DB.
	DefaultReloadIntervalSeconds = 30
)
