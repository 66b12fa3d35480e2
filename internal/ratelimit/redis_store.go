package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims entries older than the window, then records the call if
// the remaining count is below the limit. Denied calls are not recorded.
// Returns {allowed, count, retry_after_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, count + 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = 0
if oldest[2] then retry = tonumber(oldest[2]) + window - now end
return {0, count, retry}
`)

// RedisStore is a sliding-window-log Store shared by every process pointed at
// the same Redis.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy) (Decision, error) {
	start := time.Now()
	now := s.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, s.client, []string{key},
		now, policy.Window.Milliseconds(), policy.Limit, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	storeDuration.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("sliding window %s: unexpected reply %v", key, res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Count:      res[1],
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
