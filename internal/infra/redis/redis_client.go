package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"subscription-payments/internal/config"
	"subscription-payments/internal/domain"
)

// Client is the subset of redis commands the keyed store needs.
type Client interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	CompareAndSet(ctx context.Context, key, expected, value string, expiration time.Duration) (bool, error)
	Close() error
}

var _ Client = (*redClient)(nil)

type redClient struct {
	cli *redis.Client
}

func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redClient, error) {
	opts := &redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &redClient{cli: c}, nil
}

func (c *redClient) Ping(ctx context.Context) error { return c.cli.Ping(ctx).Err() }

func (c *redClient) Get(ctx context.Context, key string) (string, error) {
	v, err := c.cli.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	return v, err
}

func (c *redClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return c.cli.Set(ctx, key, value, ttlOrZero(expiration)).Err()
}

func (c *redClient) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	return c.cli.SetNX(ctx, key, value, ttlOrZero(expiration)).Result()
}

// ARGV[3] is the expiry in milliseconds, 0 for none.
var luaCompareAndSet = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	if tonumber(ARGV[3]) > 0 then
		redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	else
		redis.call("SET", KEYS[1], ARGV[2])
	end
	return 1
else
	return 0
end`)

func (c *redClient) CompareAndSet(ctx context.Context, key, expected, value string, expiration time.Duration) (bool, error) {
	n, err := luaCompareAndSet.Run(ctx, c.cli, []string{key}, expected, value, ttlOrZero(expiration).Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *redClient) Close() error { return c.cli.Close() }

func ttlOrZero(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
