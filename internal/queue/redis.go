package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix        = "disputesync:queue:"
	redisOperationTimeout = 2 * time.Second
	redisBlockInterval    = 250 * time.Millisecond
)

// Capacity check and push in one round trip.
var boundedPush = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("RPUSH", KEYS[1], ARGV[2])
return 1
`)

// RedisQueue is a bounded Redis list. Items are pushed on the right and
// popped from the left with BLPOP.
type RedisQueue struct {
	client   redis.UniversalClient
	key      string
	capacity int
	owned    bool
}

// NewRedis parses a redis:// or rediss:// URL and opens its own client.
func NewRedis(dsn, name string, capacity int) (*RedisQueue, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	q, err := NewRedisWithClient(redis.NewClient(opts), name, capacity)
	if err != nil {
		return nil, err
	}
	q.owned = true
	return q, nil
}

// NewRedisWithClient shares an existing client; Close leaves it open.
func NewRedisWithClient(client redis.UniversalClient, name string, capacity int) (*RedisQueue, error) {
	if client == nil || strings.TrimSpace(name) == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &RedisQueue{
		client:   client,
		key:      redisKeyPrefix + strings.TrimSpace(name),
		capacity: capacity,
	}, nil
}

func (q *RedisQueue) TryEnqueue(id string) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	pushed, err := boundedPush.Run(ctx, q.client, []string{q.key}, q.capacity, id).Int()
	return err == nil && pushed == 1
}

func (q *RedisQueue) Enqueue(ctx context.Context, id string) bool {
	for {
		if q.TryEnqueue(id) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(redisBlockInterval):
		}
	}
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, bool) {
	for {
		if ctx.Err() != nil {
			return "", false
		}
		result, err := q.client.BLPop(ctx, redisBlockInterval, q.key).Result()
		if err == nil && len(result) == 2 {
			return result[1], true
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			// Connection trouble; back off instead of spinning.
			select {
			case <-ctx.Done():
				return "", false
			case <-time.After(redisBlockInterval):
			}
		}
	}
}

func (q *RedisQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (q *RedisQueue) Capacity() int {
	return q.capacity
}

func (q *RedisQueue) Snapshot() []string {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	items, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil
	}
	return items
}

func (q *RedisQueue) Close() error {
	if q == nil || !q.owned {
		return nil
	}
	return q.client.Close()
}
