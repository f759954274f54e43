package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

type Decision struct {
	Allowed   bool
	Used      int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Limiter caps chat turns per user per clock hour. A nil Limiter or a
// non-positive limit allows everything.
type Limiter struct {
	redis  *redis.Client
	limit  int64
	prefix string
}

func New(rdb *redis.Client, limit int64) *Limiter {
	return &Limiter{redis: rdb, limit: limit, prefix: "chime:ratelimit"}
}

func (l *Limiter) Allow(ctx context.Context, userID int64, now time.Time) (Decision, error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if l == nil || l.redis == nil || l.limit <= 0 {
		return Decision{Allowed: true, ResetAt: windowEnd}, nil
	}

	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}
	key := fmt.Sprintf("%s:%d:%s", l.prefix, userID, windowStart.Format("2006010215"))
	used, err := incrWithTTLScript.Run(ctx, l.redis, []string{key}, ttl).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	remaining := l.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   used <= l.limit,
		Used:      used,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   windowEnd,
	}, nil
}
