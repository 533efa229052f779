package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/AnotherChat/internal/apperr"
	log "github.com/sirupsen/logrus"
)

const conflictMessage = "A response is already streaming for this conversation"

// StreamLocker grants exclusive streaming rights per conversation.
// Acquire returns a release func, or a ConflictError when the key is held.
type StreamLocker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// MemoryLocker is a process-local StreamLocker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker constructs a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// Acquire takes the lock for key.
func (l *MemoryLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, &apperr.ConflictError{Message: conflictMessage}
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a StreamLocker shared across replicas through Redis.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker constructs a RedisLocker. ttl bounds how long a crashed holder blocks the key.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, prefix: strings.TrimSpace(prefix), ttl: ttl}
}

// Acquire takes the lock for key with SET NX PX and a random token.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.buildKey(key)
	token := uuid.NewString()
	ok, errSet := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if errSet != nil {
		return nil, fmt.Errorf("chat: acquire stream lock: %w", errSet)
	}
	if !ok {
		return nil, &apperr.ConflictError{Message: conflictMessage}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctxRelease, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if errRelease := redisReleaseScript.Run(ctxRelease, l.client, []string{redisKey}, token).Err(); errRelease != nil {
				log.WithError(errRelease).WithField("key", redisKey).Warn("chat: release stream lock failed")
			}
		})
	}, nil
}

func (l *RedisLocker) buildKey(key string) string {
	if l.prefix == "" {
		return "stream-lock:" + key
	}
	return l.prefix + ":stream-lock:" + key
}
