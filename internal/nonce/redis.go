package nonce

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/consoleguard/internal/logging"
	"go.uber.org/zap"
)

// RedisStore shares issued nonces between replicas through one sorted set
// scored by issue time in milliseconds.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a Redis-backed nonce store. The client is shared and
// managed by the caller.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "consoleguard:"
	}
	return &RedisStore{
		client: client,
		key:    prefix + "nonces",
	}
}

func (rs *RedisStore) Put(ctx context.Context, nonce string, issuedAt time.Time) error {
	return rs.client.ZAdd(ctx, rs.key, redis.Z{
		Score:  float64(issuedAt.UnixMilli()),
		Member: nonce,
	}).Err()
}

// Exists fails closed: a Redis error reports the nonce as unknown.
func (rs *RedisStore) Exists(ctx context.Context, nonce string) (bool, error) {
	_, err := rs.client.ZScore(ctx, rs.key, nonce).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		logging.Warn("Nonce Redis error (failing closed)",
			zap.String("key", rs.key),
			zap.Error(err),
		)
		return false, err
	}
	return true, nil
}

func (rs *RedisStore) SweepBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := rs.client.ZRemRangeByScore(ctx, rs.key, "-inf", strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Size returns the set cardinality, or -1 when Redis is unreachable.
func (rs *RedisStore) Size() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := rs.client.ZCard(ctx, rs.key).Result()
	if err != nil {
		return -1
	}
	return int(n)
}

// Close is a no-op; the Redis client is shared and managed externally.
func (rs *RedisStore) Close() {}
