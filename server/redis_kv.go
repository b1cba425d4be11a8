package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisVersionField = "v"
	redisDataField    = "d"
)

// RedisKV implements KVStore with one Redis hash per key.
// CompareAndSwap is an optimistic WATCH/MULTI/EXEC transaction.
type RedisKV struct {
	client    *redis.Client
	namespace string
}

var _ KVStore = (*RedisKV)(nil)

// NewRedisKV connects to the Redis server at address
func NewRedisKV(ctx context.Context, address, namespace string) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisKV(client, namespace), nil
}

func newRedisKV(client *redis.Client, namespace string) *RedisKV {
	if namespace == "" {
		namespace = "videosvc"
	}
	return &RedisKV{client: client, namespace: namespace + ":"}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, int64, error) {
	return r.read(ctx, r.client, r.namespace+key)
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte) (int64, error) {
	var version *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		version = pipe.HIncrBy(ctx, r.namespace+key, redisVersionField, 1)
		pipe.HSet(ctx, r.namespace+key, redisDataField, value)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis put failed: %w", err)
	}
	return version.Val(), nil
}

func (r *RedisKV) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	full := r.namespace + key
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		_, current, err := r.read(ctx, tx, full)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if current != expected {
			return ErrVersionMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, full, redisVersionField, expected+1, redisDataField, value)
			return nil
		})
		return err
	}, full)

	switch {
	case err == nil:
		return expected + 1, nil
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, redis.TxFailedErr):
		return 0, ErrVersionMismatch
	default:
		return 0, fmt.Errorf("redis compare-and-swap failed: %w", err)
	}
}

func (r *RedisKV) Scan(ctx context.Context, prefix string) ([]KVEntry, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.namespace+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	sort.Strings(keys)

	out := make([]KVEntry, 0, len(keys))
	for _, full := range keys {
		value, version, err := r.read(ctx, r.client, full)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, KVEntry{Key: strings.TrimPrefix(full, r.namespace), Value: value, Version: version})
	}
	return out, nil
}

// Close closes the Redis client
func (r *RedisKV) Close() error {
	return r.client.Close()
}

// hashReader is satisfied by both *redis.Client and the *redis.Tx inside Watch.
type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func (r *RedisKV) read(ctx context.Context, c hashReader, full string) ([]byte, int64, error) {
	vals, err := c.HMGet(ctx, full, redisVersionField, redisDataField).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis get failed: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, 0, ErrNotFound
	}
	var version int64
	if _, err := fmt.Sscan(vals[0].(string), &version); err != nil {
		return nil, 0, fmt.Errorf("redis version field: %w", err)
	}
	data, _ := vals[1].(string)
	return []byte(data), version, nil
}
