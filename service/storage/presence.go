package storage

import (
	"context"
	"time"

	redisx "PPGateway/service/storage/redis"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: im:presence:<user>
// Value: gateway_id, TTL controls the online validity period
func presenceKey(user string) string { return "im:presence:" + user }

// RedisPresenceSink mirrors online/offline into redis so the REST backend
// can answer "is this user reachable and where". Best effort.
type RedisPresenceSink struct {
	GatewayID string
	TTL       time.Duration
}

func NewRedisPresenceSink(gatewayID string, ttl time.Duration) *RedisPresenceSink {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisPresenceSink{GatewayID: gatewayID, TTL: ttl}
}

// Online sets the user as online and renews the TTL.
func (p *RedisPresenceSink) Online(ctx context.Context, user string) error {
	return redisx.GetRedis().Set(ctx, presenceKey(user), p.GatewayID, p.TTL).Err()
}

// Offline actively sets the user offline (deletes the key).
func (p *RedisPresenceSink) Offline(ctx context.Context, user string) error {
	return redisx.GetRedis().Del(ctx, presenceKey(user)).Err()
}

// PresenceLookup checks whether the user is online anywhere.
func PresenceLookup(ctx context.Context, user string) (gatewayID string, online bool, err error) {
	val, err := redisx.GetRedis().Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
