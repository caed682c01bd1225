package inbox

import (
	"context"
	"encoding/json"
	"fmt"

	"e2e_messenger/internal/model"
	redisSvc "e2e_messenger/internal/service/redis"
	"e2e_messenger/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueue keeps packages in a hash keyed by package id and their order in
// a sorted set scored by a sequence number.
type RedisQueue struct {
	redis    *redisSvc.RedisService
	hashKey  string
	orderKey string
	seqKey   string
}

func NewRedisQueue(r *redisSvc.RedisService, owner model.Address) *RedisQueue {
	prefix := fmt.Sprintf("inbox:%s:", owner)
	return &RedisQueue{
		redis:    r,
		hashKey:  prefix + "packages",
		orderKey: prefix + "order",
		seqKey:   prefix + "seq",
	}
}

func (q *RedisQueue) Add(ctx context.Context, pkgs ...model.Package) error {
	if len(pkgs) == 0 {
		return nil
	}
	values := make([][]byte, len(pkgs))
	for i, p := range pkgs {
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("inbox: encode %s: %w", p.Id, err)
		}
		values[i] = b
	}
	// Reserve a block of sequence numbers. Gaps left by duplicates are fine.
	last, err := q.redis.IncrBy(ctx, q.seqKey, int64(len(pkgs)))
	if err != nil {
		return fmt.Errorf("inbox: allocate sequence: %w", err)
	}
	first := last - int64(len(pkgs)) + 1

	err = q.redis.Tx(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range pkgs {
			field := p.Id.String()
			pipe.HSetNX(ctx, q.hashKey, field, values[i])
			pipe.ZAddNX(ctx, q.orderKey, redis.Z{Score: float64(first + int64(i)), Member: field})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("inbox: add: %w", err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, ids ...model.PackageId) error {
	if len(ids) == 0 {
		return nil
	}
	fields := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		fields[i] = id.String()
		members[i] = fields[i]
	}
	err := q.redis.Tx(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.hashKey, fields...)
		pipe.ZRem(ctx, q.orderKey, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("inbox: remove: %w", err)
	}
	return nil
}

func (q *RedisQueue) GetQueuedPackages(ctx context.Context) ([]model.Package, error) {
	fields, err := q.redis.ZRange(ctx, q.orderKey)
	if err != nil {
		return nil, fmt.Errorf("inbox: read order: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	vals, err := q.redis.HMGet(ctx, q.hashKey, fields...)
	if err != nil {
		return nil, fmt.Errorf("inbox: read packages: %w", err)
	}

	out := make([]model.Package, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			log.Warn("inbox order entry without package", zap.String("id", fields[i]))
			continue
		}
		var p model.Package
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			log.Error("unreadable inbox entry", zap.String("id", fields[i]), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
