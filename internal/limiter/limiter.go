package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// Counter keeps per-identity counters and lockout markers in Redis so every
// service instance sees the same state. Keys expire on their own.
type Counter struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Counter {
	return &Counter{client: client, prefix: prefix}
}

func (c *Counter) key(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + ":" + name
}

// incrScript bumps a counter and gives it an expiry whenever it has none, so
// the increment and the window are applied together.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local window = tonumber(ARGV[1])
if window > 0 and redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], window)
end
return count
`)

// Incr bumps the counter and starts its expiry window on first use.
func (c *Counter) Incr(ctx context.Context, name string, window time.Duration) (int64, error) {
	return incrScript.Run(ctx, c.client, []string{c.key(name)}, window.Milliseconds()).Int64()
}

// Decr undoes one Incr, for example when the guarded action failed.
func (c *Counter) Decr(ctx context.Context, name string) error {
	return c.client.Decr(ctx, c.key(name)).Err()
}

func (c *Counter) Reset(ctx context.Context, names ...string) error {
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = c.key(name)
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *Counter) Lock(ctx context.Context, name, reason string, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(name), reason, ttl).Err()
}

// Locked reports whether a lock marker exists and the reason stored with it.
func (c *Counter) Locked(ctx context.Context, name string) (bool, string, error) {
	reason, err := c.client.Get(ctx, c.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// Allow implements a fixed window limit: at most limit hits per window.
func (c *Counter) Allow(ctx context.Context, name string, limit int64, window time.Duration) (bool, error) {
	count, err := c.Incr(ctx, name, window)
	if err != nil {
		return false, err
	}
	return count <= limit, nil
}
