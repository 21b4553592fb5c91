package lease

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements leases shared by every instance pointing at the same Redis.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// Acquire claims key with SET NX PX.
func (l *RedisLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration, _ time.Time) (bool, error) {
	if l == nil || l.client == nil {
		return false, errors.New("lease redis: nil client")
	}
	return l.client.SetNX(ctx, l.buildKey(key), token, ttl).Result()
}

// Release deletes key only while token still owns it.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	return redisReleaseScript.Run(ctx, l.client, []string{l.buildKey(key)}, token).Err()
}

func (l *RedisLocker) buildKey(key string) string {
	if l.prefix == "" {
		return "lease:" + key
	}
	return l.prefix + ":lease:" + key
}
