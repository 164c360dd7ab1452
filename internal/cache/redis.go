package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache backs the today's-recommendation cache and the per-user chat
// state with TTL'd Redis keys.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(redisHost, redisPort string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", redisHost, redisPort),
		Password:     "", // no password
		DB:           0,  // default DB
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// SetUserState sets the chat state for a user. TTL keeps stale states from
// accumulating for users who walk away mid-flow.
func (c *RedisCache) SetUserState(userID int64, state string) {
	ctx := context.Background()
	key := fmt.Sprintf("user:%d:state", userID)
	c.client.Set(ctx, key, state, 24*time.Hour)
}

// GetUserState gets the chat state for a user, empty when unset.
func (c *RedisCache) GetUserState(userID int64) string {
	ctx := context.Background()
	key := fmt.Sprintf("user:%d:state", userID)
	result := c.client.Get(ctx, key)
	if result.Err() != nil {
		return "" // default state, also the fallback on error
	}
	return result.Val()
}

// ClearUserState removes the chat state for a user.
func (c *RedisCache) ClearUserState(userID int64) {
	ctx := context.Background()
	c.client.Del(ctx, fmt.Sprintf("user:%d:state", userID))
}

// SetJSON stores a JSON-encoded value under key with the given TTL.
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetJSON loads a JSON-encoded value into dest. The bool reports whether the
// key was present.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	result := c.client.Get(ctx, key)
	if result.Err() == redis.Nil {
		return false, nil
	}
	if result.Err() != nil {
		return false, result.Err()
	}
	if err := json.Unmarshal([]byte(result.Val()), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return true, nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
