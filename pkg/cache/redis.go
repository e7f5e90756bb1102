package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache wraps the Redis client used for the durable task/result
// channels and the import/stats side-channel keys.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to get value: %w", err)
	}
	return val, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	var data string

	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if err := r.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}

	return nil
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return result > 0, nil
}

// RPush appends values to the tail of a list.
func (r *RedisCache) RPush(ctx context.Context, key string, values ...interface{}) error {
	if err := r.client.RPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("failed to push to list: %w", err)
	}
	return nil
}

// BLPop pops from the head of a list, blocking up to timeout.
// Returns ErrCacheMiss when the wait elapses with nothing to pop.
func (r *RedisCache) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	vals, err := r.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop from list: %w", err)
	}
	// BLPop returns [key, value].
	return vals[1], nil
}

func (r *RedisCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get list range: %w", err)
	}
	return values, nil
}

// LRem removes count occurrences of value from the list.
func (r *RedisCache) LRem(ctx context.Context, key string, count int64, value string) error {
	if err := r.client.LRem(ctx, key, count, value).Err(); err != nil {
		return fmt.Errorf("failed to remove from list: %w", err)
	}
	return nil
}

func (r *RedisCache) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get list length: %w", err)
	}
	return n, nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
