package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultDedupTTL bounds how long an accepted event id short-circuits
// redeliveries. The store's unique key is the durable guard behind it.
const DefaultDedupTTL = 72 * time.Hour

// DedupCache is the fast path in front of the store's (connection, event id)
// uniqueness check.
type DedupCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// MemoryDedup is a process-local DedupCache with lazy expiry.
type MemoryDedup struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDedup{ttl: ttl, entries: map[string]time.Time{}, now: time.Now}
}

func (d *MemoryDedup) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	expires, ok := d.entries[key]
	if !ok {
		return false, nil
	}
	if d.now().After(expires) {
		delete(d.entries, key)
		return false, nil
	}
	return true, nil
}

func (d *MemoryDedup) Mark(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.entries[key] = now.Add(d.ttl)
	if len(d.entries) > 4096 {
		for k, expires := range d.entries {
			if now.After(expires) {
				delete(d.entries, k)
			}
		}
	}
	return nil
}

// RedisDedup keeps event keys in Redis so every replica shares them.
type RedisDedup struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// RedisDedupConfig holds the Redis connection settings.
type RedisDedupConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisDedup connects and pings Redis before returning.
func NewRedisDedup(ctx context.Context, cfg RedisDedupConfig, logger zerolog.Logger) (*RedisDedup, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to Redis dedup cache")
	return NewRedisDedupWithClient(client, cfg.TTL, logger), nil
}

func NewRedisDedupWithClient(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) *RedisDedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDedup{client: client, prefix: "disputesync:dedup:", ttl: ttl, logger: logger}
}

func (d *RedisDedup) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDedup) Mark(ctx context.Context, key string) error {
	if err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

func (d *RedisDedup) Close() error {
	return d.client.Close()
}
