package realtime

import (
	"context"
	"time"
)

// FixedWindowStore is satisfied by pkg/redis.Client.
type FixedWindowStore interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// RedisHandshakeLimiter caps handshakes per client address in a fixed window.
type RedisHandshakeLimiter struct {
	store  FixedWindowStore
	limit  int64
	window time.Duration
}

func NewRedisHandshakeLimiter(store FixedWindowStore, limit int64, window time.Duration) *RedisHandshakeLimiter {
	return &RedisHandshakeLimiter{store: store, limit: limit, window: window}
}

func (l *RedisHandshakeLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	allowed, _, err := l.store.FixedWindowAllow(ctx, "ws_handshake:"+key, l.limit, l.window)
	if err != nil {
		return false, err
	}
	return allowed, nil
}
