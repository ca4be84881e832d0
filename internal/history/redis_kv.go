package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores each value as a plain string at "<namespace>:<key>".
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV wraps an existing client.
func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

// OpenRedisKV connects to addr and verifies the connection.
func OpenRedisKV(ctx context.Context, addr, password string, db int) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisKV(rdb), nil
}

// Close closes the client.
func (r *RedisKV) Close() error {
	return r.rdb.Close()
}

func redisKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get returns the value for key, or ErrNotFound.
func (r *RedisKV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, redisKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

// Set stores value without expiry.
func (r *RedisKV) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := r.rdb.Set(ctx, redisKey(namespace, key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// UsedBytes scans the namespace and sums STRLEN of every key.
func (r *RedisKV) UsedBytes(ctx context.Context, namespace string) (int64, error) {
	var used int64
	iter := r.rdb.Scan(ctx, 0, namespace+":*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.rdb.StrLen(ctx, iter.Val()).Result()
		if err != nil {
			return 0, fmt.Errorf("redis strlen: %w", err)
		}
		used += n
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return used, nil
}
