package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feedhub/internal/market"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "feedhub:latest:"

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Redis shares the latest values across processes. Entries are JSON.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisWithClient(client, opts.KeyPrefix, opts.TTL)
}

func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (c *Redis) key(k market.ConfigKey) string { return c.prefix + string(k) }

func (c *Redis) Set(ctx context.Context, e Entry) error {
	if e.Key == "" {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", e.Key, err)
	}
	return c.client.Set(ctx, c.key(e.Key), data, c.ttl).Err()
}

func (c *Redis) Get(ctx context.Context, key market.ConfigKey) (Entry, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return e, nil
}

func (c *Redis) Delete(ctx context.Context, key market.ConfigKey) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}

var (
	_ Cache = (*Memory)(nil)
	_ Cache = (*Redis)(nil)
)
