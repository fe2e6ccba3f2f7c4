package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "coil:llmcache:"

// RedisBackend stores cache entries in Redis so multiple workers share one
// response cache and entries survive process restarts.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("[Cache] Connected to Redis at %s", opts.Addr)
	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, bool) {
	data, err := b.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Printf("[Cache] Redis get failed: %v", err)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Printf("[Cache] Failed to unmarshal cached entry: %v", err)
		return nil, false
	}

	// Hit counting is best-effort; a failed INCR never blocks a hit.
	b.client.HIncrBy(ctx, redisKeyPrefix+"hits", key, 1)
	return &entry, true
}

func (b *RedisBackend) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := b.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) {
	if err := b.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		log.Printf("[Cache] Redis delete failed: %v", err)
	}
}

func (b *RedisBackend) Clear(ctx context.Context) {
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := b.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Printf("[Cache] Redis delete failed during clear: %v", err)
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("[Cache] Redis scan failed during clear: %v", err)
	}
}

// Close releases the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
