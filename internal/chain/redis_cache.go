package chain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "credgate:authorized:"

// RedisCache shares positive lookups across service instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	client.AddHook(errorHook{})
	return &RedisCache{client: client, ttl: ttl}
}

// DialRedis parses a redis:// URL (or bare host:port) and checks connectivity.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: url}
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (r *RedisCache) Authorized(ctx context.Context, address string) (bool, error) {
	n, err := r.client.Exists(ctx, redisKeyPrefix+strings.ToLower(address)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisCache) MarkAuthorized(ctx context.Context, address string) error {
	if r.ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, redisKeyPrefix+strings.ToLower(address), "1", r.ttl).Err()
}

var _ Cache = (*RedisCache)(nil)

// errorHook counts failed Redis commands.
type errorHook struct{}

func (errorHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (errorHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			cacheErrors.WithLabelValues(cmd.Name()).Inc()
		}
		return err
	}
}

func (errorHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			cacheErrors.WithLabelValues("pipeline").Inc()
		}
		return err
	}
}
