// Package ratelimit caps how often a key may perform an action.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cocoguard/apiserver/config"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "cocoguard:ratelimit:"

// RedisLimiter keeps fixed-window counters in redis.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisClient constructs a redis client from config.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow counts one attempt for key and reports whether the count within the
// current window is still at most limit. The window starts at the first
// attempt and is not extended by later ones.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	redisKey := keyPrefix + key
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.ExpireNX(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() <= int64(limit), nil
}
