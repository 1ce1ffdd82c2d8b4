package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/quartz"
	redis "github.com/redis/go-redis/v9"
)

const (
	redisRateKeyPrefix  = "peep:metrics:ratelimit"
	// counters expire this long after their window ends
	redisWindowGrace    = time.Second
	redisLimiterTimeout = 250 * time.Millisecond
)

type redisRateLimiter struct {
	client *redis.Client
	clock  quartz.Clock
	logger *slog.Logger
}

// NewRedisRateLimiter returns a fixed window limiter whose counters live in Redis,
// shared by every API replica. Redis errors fail open. A nil clock uses real time.
func NewRedisRateLimiter(addr, password string, db int, clock quartz.Clock, logger *slog.Logger) (RateLimiter, error) {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &redisRateLimiter{client: client, clock: clock, logger: logger}, nil
}

func (rl *redisRateLimiter) Allow(ctx context.Context, route, caller string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.clock.Now()
	start := now.Truncate(window)
	end := start.Add(window)
	key := windowKey(route, caller, start)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisLimiterTimeout)
	defer cancel()
	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, end.Sub(now)+redisWindowGrace)
		return nil
	})
	if err != nil {
		rl.logger.Error("redis rate limiter error", "route", route, "error", err)
		return rateDecision{allowed: true}
	}
	count := int(incr.Val())
	return rateDecision{allowed: count <= limit, count: count, windowEnd: end}
}

func (rl *redisRateLimiter) Close() {
	_ = rl.client.Close()
}

// windowKey names one caller's counter on one route for the window starting at
// start, e.g. peep:metrics:ratelimit:events.count:user:42:1773146040.
func windowKey(route, caller string, start time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", redisRateKeyPrefix, routeSegment(route), caller, start.Unix())
}

func routeSegment(route string) string {
	segment := strings.Trim(strings.TrimPrefix(route, "/api/metrics"), "/")
	if segment == "" {
		return "root"
	}
	return strings.ReplaceAll(segment, "/", ".")
}
