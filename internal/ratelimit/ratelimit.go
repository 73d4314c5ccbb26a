package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "starchat"

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// Limiter counts hits per key in fixed windows aligned to the epoch.
type Limiter struct {
	redis  *redis.Client
	name   string
	limit  int64
	window time.Duration
}

func New(rdb *redis.Client, name string, limit int64, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{redis: rdb, name: name, limit: limit, window: window}
}

type Result struct {
	Allowed   bool
	Used      int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

func (l *Limiter) Allow(ctx context.Context, key string, now time.Time) (Result, error) {
	windowStart := now.UTC().Truncate(l.window)
	windowEnd := windowStart.Add(l.window)
	ttl := windowEnd.Sub(now.UTC()).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	redisKey := fmt.Sprintf("%s:ratelimit:%s:%s:%d", keyPrefix, l.name, key, windowStart.Unix())
	used, err := incrWithTTLScript.Run(ctx, l.redis, []string{redisKey}, ttl).Int64()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	remaining := l.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   used <= l.limit,
		Used:      used,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   windowEnd,
	}, nil
}

func (l *Limiter) Name() string {
	return l.name
}

type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst reports whether updateID is seen for the first time.
func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	key := fmt.Sprintf("%s:update:%d", keyPrefix, updateID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
