package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WindowConfig bounds requests per key over a sliding window.
type WindowConfig struct {
	Limit  int
	Window time.Duration
}

// WindowResult is the outcome of a WindowLimiter check.
type WindowResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// WindowLimiter is a sliding-window request limiter on a sorted set per key.
// The API uses it to bound how fast a client may submit notifications.
type WindowLimiter struct {
	client *Client
	logger *zap.Logger
	config WindowConfig
}

func NewWindowLimiter(client *Client, logger *zap.Logger, config WindowConfig) *WindowLimiter {
	return &WindowLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks and counts one request for key.
func (w *WindowLimiter) Allow(ctx context.Context, key string) (*WindowResult, error) {
	return w.AllowN(ctx, key, 1)
}

// AllowN checks and counts n requests for key. Rejected requests are not
// counted.
func (w *WindowLimiter) AllowN(ctx context.Context, key string, n int) (*WindowResult, error) {
	now := time.Now()
	windowStart := now.Add(-w.config.Window)
	resetAt := now.Add(w.config.Window)

	redisKey := fmt.Sprintf("ingress:%s", key)

	pipe := w.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	current := int(countCmd.Val())
	remaining := w.config.Limit - current

	if current+n > w.config.Limit {
		w.logger.Debug("ingress limit exceeded",
			zap.String("key", key),
			zap.Int("current", current),
			zap.Int("limit", w.config.Limit),
		)
		return &WindowResult{
			Allowed:   false,
			Limit:     w.config.Limit,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	pipe = w.client.rdb.Pipeline()
	for i := 0; i < n; i++ {
		pipe.ZAdd(ctx, redisKey, redis.Z{
			Score:  float64(now.UnixNano() + int64(i)),
			Member: fmt.Sprintf("%d-%d", now.UnixNano(), i),
		})
	}
	pipe.Expire(ctx, redisKey, w.config.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &WindowResult{
		Allowed:   true,
		Limit:     w.config.Limit,
		Remaining: remaining - n,
		ResetAt:   resetAt,
	}, nil
}
