package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/wsgate/internal/protocol"
)

// redisClient is the subset of go-redis the directory needs.
type redisClient interface {
	redis.Scripter
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// compareAndDelete deletes KEYS[1] only if its value is ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const scanBatch = 100

// RedisDirectory is a Directory backed by Redis string keys.
type RedisDirectory struct {
	client redisClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis creates a Redis directory. A zero ttl stores entries without expiry.
func NewRedis(client redisClient, ttl time.Duration, logger *slog.Logger) *RedisDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDirectory{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "redis_directory"),
	}
}

// Put implements Directory.
func (d *RedisDirectory) Put(ctx context.Context, id protocol.ConnID, instance string) error {
	key := Key(id)
	if err := d.client.Set(ctx, key, instance, d.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrDirectory, key, err)
	}
	return nil
}

// Delete implements Directory.
func (d *RedisDirectory) Delete(ctx context.Context, id protocol.ConnID, instance string) error {
	key := Key(id)
	n, err := compareAndDelete.Run(ctx, d.client, []string{key}, instance).Int()
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrDirectory, key, err)
	}
	if n == 0 {
		d.logger.Debug("entry not owned, left in place", "key", key, "instance", instance)
	}
	return nil
}

// Get implements Directory.
func (d *RedisDirectory) Get(ctx context.Context, id protocol.ConnID) (string, bool, error) {
	key := Key(id)
	instance, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %w", ErrDirectory, key, err)
	}
	return instance, true, nil
}

// Ping implements Directory.
func (d *RedisDirectory) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrDirectory, err)
	}
	return nil
}

// Sweep implements Sweeper. Expired keys are evicted by Redis itself, so only
// entries owned by instance are removed.
func (d *RedisDirectory) Sweep(ctx context.Context, instance string) (int, error) {
	if instance == "" {
		return 0, nil
	}

	removed := 0
	var cursor uint64
	for {
		keys, next, err := d.client.Scan(ctx, cursor, KeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: scan: %w", ErrDirectory, err)
		}

		for _, key := range keys {
			n, err := compareAndDelete.Run(ctx, d.client, []string{key}, instance).Int()
			if err != nil {
				return removed, fmt.Errorf("%w: delete %s: %w", ErrDirectory, key, err)
			}
			if n > 0 {
				removed++
				if id, ok := ParseKey(key); ok {
					d.logger.Debug("swept entry", "conn_id", id, "instance", instance)
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}
