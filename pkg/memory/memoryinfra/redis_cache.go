package memoryinfra

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Abraxas-365/recall/pkg/memory"
	"github.com/redis/go-redis/v9"
)

// RedisRetrievalCache implements memory.RetrievalCache. Entries are JSON
// payloads under a short TTL; a cold or broken cache only costs a recompute.
type RedisRetrievalCache struct {
	client *redis.Client
}

func NewRedisRetrievalCache(client *redis.Client) memory.RetrievalCache {
	return &RedisRetrievalCache{
		client: client,
	}
}

func cacheKey(key string) string {
	return fmt.Sprintf("recall:retrieval:%s", key)
}

func (c *RedisRetrievalCache) Get(ctx context.Context, key string) (*memory.RetrievedContext, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read retrieval cache: %w", err)
	}

	var value memory.RetrievedContext
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached retrieval: %w", err)
	}

	return &value, true, nil
}

func (c *RedisRetrievalCache) Set(ctx context.Context, key string, value memory.RetrievedContext, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal retrieval for cache: %w", err)
	}

	if err := c.client.Set(ctx, cacheKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write retrieval cache: %w", err)
	}

	return nil
}
