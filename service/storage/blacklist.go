package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBlacklist shares revoked tokens between gateway nodes. Entries expire
// with the token they revoke.
type RedisBlacklist struct {
	rdb redis.UniversalClient
}

func NewRedisBlacklist(rdb redis.UniversalClient) *RedisBlacklist {
	return &RedisBlacklist{rdb: rdb}
}

func (b *RedisBlacklist) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	n, err := b.rdb.Exists(ctx, revokedKey(tokenHash)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists")
	}
	return n > 0, nil
}

func (b *RedisBlacklist) Revoke(ctx context.Context, tokenHash string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return errors.Wrap(b.rdb.Set(ctx, revokedKey(tokenHash), "1", ttl).Err(), "redis set")
}
