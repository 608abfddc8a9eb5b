package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDigestKey holds the last trading date a digest was sent for.
const DefaultDigestKey = "flowscanner:last_digest_date"

// RedisDigestMarker persists the digest marker so restarts do not resend a day's digest.
type RedisDigestMarker struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisDigestMarker wraps client. ttl <= 0 keeps the key forever.
func NewRedisDigestMarker(client redis.Cmdable, key string, ttl time.Duration) *RedisDigestMarker {
	if key == "" {
		key = DefaultDigestKey
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisDigestMarker{client: client, key: key, ttl: ttl}
}

// LastDigestDate returns the stored date, or "" when none was recorded.
func (m *RedisDigestMarker) LastDigestDate(ctx context.Context) (string, error) {
	val, err := m.client.Get(ctx, m.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get digest marker: %w", err)
	}
	return val, nil
}

// MarkDigestSent records date as digested.
func (m *RedisDigestMarker) MarkDigestSent(ctx context.Context, date string) error {
	if err := m.client.Set(ctx, m.key, date, m.ttl).Err(); err != nil {
		return fmt.Errorf("set digest marker: %w", err)
	}
	return nil
}
