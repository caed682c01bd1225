package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb redis.UniversalClient
	}

	Options struct {
		Addr     string
		Password string
		DB       int
	}
)

func NewRedis(rdb redis.UniversalClient) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

// Dial connects and pings the server.
func Dial(ctx context.Context, opts Options) (*RedisService, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return NewRedis(rdb), nil
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}

// IsNil reports whether err means the key does not exist.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

func (r *RedisService) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisService) Get(ctx context.Context, key string) (string, error) {
	return r.rdb.Get(ctx, key).Result()
}

func (r *RedisService) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return r.rdb.IncrBy(ctx, key, n).Result()
}

func (r *RedisService) HSet(ctx context.Context, key string, values ...any) error {
	return r.rdb.HSet(ctx, key, values...).Err()
}

func (r *RedisService) HDel(ctx context.Context, key string, fields ...string) error {
	return r.rdb.HDel(ctx, key, fields...).Err()
}

func (r *RedisService) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, key).Result()
}

func (r *RedisService) HMGet(ctx context.Context, key string, fields ...string) ([]any, error) {
	return r.rdb.HMGet(ctx, key, fields...).Result()
}

func (r *RedisService) ZRange(ctx context.Context, key string) ([]string, error) {
	return r.rdb.ZRange(ctx, key, 0, -1).Result()
}

// Tx queues the commands issued by fn in a MULTI/EXEC block.
func (r *RedisService) Tx(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := r.rdb.TxPipelined(ctx, fn)
	return err
}
