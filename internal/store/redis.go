package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTTL bounds how long an idle room log survives on the shared relay.
const redisTTL = 24 * time.Hour

// RedisBackend stores room logs in Redis so multiple relay instances can
// serve the same rooms. Redis enforces its own memory policy, so writes
// here never report quota pressure.
type RedisBackend struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(addr, password string, db int) (*RedisBackend, error) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisBackend{client: client, ctx: ctx}, nil
}

// Get reads the value for key.
func (b *RedisBackend) Get(key string) ([]byte, bool, error) {
	data, err := b.client.Get(b.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set writes the value for key with the idle-room TTL.
func (b *RedisBackend) Set(key string, value []byte) error {
	return b.client.Set(b.ctx, key, value, redisTTL).Err()
}

// Delete removes key.
func (b *RedisBackend) Delete(key string) error {
	return b.client.Del(b.ctx, key).Err()
}

// Keys lists stored room-log keys.
func (b *RedisBackend) Keys() ([]string, error) {
	return b.client.Keys(b.ctx, keyPrefix+"*").Result()
}

// Close releases the client connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
