package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns ("", nil) when the key does not exist.
func (r *RedisService) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *RedisService) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}
