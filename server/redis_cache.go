package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const cacheDataField = "d"

// setIfNewer writes the entry unless the cached one is at least as new.
// KEYS[1] entry, ARGV[1] version, ARGV[2] record, ARGV[3] ttl seconds
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisCache implements the Cache interface using Redis.
// Each entry is a hash holding the record and its store version.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a new Redis cache
func NewRedisCache(ctx context.Context, address string, ttlSeconds int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}, nil
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func videoCacheKey(id VideoID) string {
	return fmt.Sprintf("video:%d", id)
}

// GetVideo gets a video from the cache
func (c *RedisCache) GetVideo(ctx context.Context, id VideoID) (*Video, error) {
	data, err := c.client.HGet(ctx, videoCacheKey(id), cacheDataField).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var video Video
	if err := json.Unmarshal(data, &video); err != nil {
		return nil, err
	}
	return &video, nil
}

// SetVideo caches video as read at version, unless a newer entry is cached
func (c *RedisCache) SetVideo(ctx context.Context, video *Video, version int64) error {
	data, err := json.Marshal(video)
	if err != nil {
		return err
	}
	keys := []string{videoCacheKey(video.ID)}
	return setIfNewer.Run(ctx, c.client, keys, version, data, int64(c.ttl/time.Second)).Err()
}

// DeleteVideo deletes a video from the cache
func (c *RedisCache) DeleteVideo(ctx context.Context, id VideoID) error {
	return c.client.Del(ctx, videoCacheKey(id)).Err()
}
