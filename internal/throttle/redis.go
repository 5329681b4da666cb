package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the key's sorted set to the window, then either
// records the hit or reports the oldest counted hit. Scores are unix
// milliseconds.
//
// KEYS[1] window key
// ARGV[1] now, ARGV[2] cutoff, ARGV[3] window length, ARGV[4] limit, ARGV[5] member
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < tonumber(ARGV[4]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  count = count + 1
  allowed = 1
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {allowed, count, oldest[2]}
`)

// RedisWindow is a sliding window log shared by every instance pointing at
// the same Redis. The check and the record run inside one Lua script, so
// concurrent hits for a key are serialised by Redis.
type RedisWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisWindow allows limit hits per key per window, storing state under
// prefix+key.
func NewRedisWindow(client *redis.Client, prefix string, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow checks and records a hit for key.
func (r *RedisWindow) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	nowMs := now.UnixMilli()
	res, err := slidingWindowScript.Run(ctx, r.client, []string{r.prefix + key},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(nowMs-r.window.Milliseconds(), 10),
		strconv.FormatInt(r.window.Milliseconds(), 10),
		strconv.Itoa(r.limit),
		fmt.Sprintf("%d-%s", nowMs, uuid.NewString()),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("throttle script for %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("throttle script for %s: unexpected reply %v", key, res)
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	d := Decision{Allowed: allowed == 1, Limit: r.limit}

	if s, ok := res[2].(string); ok {
		if score, err := strconv.ParseFloat(s, 64); err == nil {
			oldest := time.UnixMilli(int64(score))
			d.ResetAt = oldest.Add(r.window)
			if !d.Allowed {
				d.RetryAfter = r.window - now.Sub(oldest)
			}
		}
	}
	if d.Allowed {
		d.Remaining = r.limit - int(count)
	}
	return d, nil
}

// Ping verifies the Redis connection.
func (r *RedisWindow) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op; the client is shared and owned by the caller.
func (r *RedisWindow) Close() error {
	return nil
}
