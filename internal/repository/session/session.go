package session

import (
	"context"
	"fmt"

	"e2e_messenger/internal/model"
	redisSvc "e2e_messenger/internal/service/redis"
	"e2e_messenger/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPersister stores serialized ratchet sessions of one local device in a
// hash keyed by remote address, and the device identity in a plain key.
type RedisPersister struct {
	redis       *redisSvc.RedisService
	sessionsKey string
	identityKey string
}

func NewRedisPersister(r *redisSvc.RedisService, owner model.Address) *RedisPersister {
	return &RedisPersister{
		redis:       r,
		sessionsKey: fmt.Sprintf("session:%s:sessions", owner),
		identityKey: fmt.Sprintf("session:%s:identity", owner),
	}
}

func (p *RedisPersister) SaveSession(ctx context.Context, addr model.Address, data []byte) error {
	return p.redis.HSet(ctx, p.sessionsKey, addr.String(), data)
}

func (p *RedisPersister) DeleteSession(ctx context.Context, addr model.Address) error {
	return p.redis.HDel(ctx, p.sessionsKey, addr.String())
}

func (p *RedisPersister) LoadSessions(ctx context.Context) (map[model.Address][]byte, error) {
	all, err := p.redis.HGetAll(ctx, p.sessionsKey)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Address][]byte, len(all))
	for k, v := range all {
		addr, err := model.ParseAddress(k)
		if err != nil {
			log.Warn("skipping session with bad address", zap.String("field", k), zap.Error(err))
			continue
		}
		out[addr] = []byte(v)
	}
	return out, nil
}

func (p *RedisPersister) SaveIdentity(ctx context.Context, data []byte) error {
	return p.redis.Set(ctx, p.identityKey, data, 0)
}

func (p *RedisPersister) SaveSessionAndIdentity(ctx context.Context, addr model.Address, session, identity []byte) error {
	return p.redis.Tx(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.sessionsKey, addr.String(), session)
		pipe.Set(ctx, p.identityKey, identity, 0)
		return nil
	})
}

// LoadIdentity returns nil, nil when no identity has been stored.
func (p *RedisPersister) LoadIdentity(ctx context.Context) ([]byte, error) {
	v, err := p.redis.Get(ctx, p.identityKey)
	if redisSvc.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}
