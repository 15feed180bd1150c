package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store over a go-redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Store backed by the given Redis address.
func NewRedisStore(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return &RedisStore{client: client}
}

// Ping verifies connectivity, used by the process-lifecycle startup check.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return s.client.Eval(ctx, script, keys, args...).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) ZPopMinBlocking(ctx context.Context, key string, timeout time.Duration) (string, float64, bool, error) {
	res, err := s.client.BZPopMin(ctx, timeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}
	member, ok := res.Member.(string)
	if !ok {
		return "", 0, false, errors.New("kvstore: unexpected member type from BZPOPMIN")
	}
	return member, res.Score, true, nil
}

func (s *RedisStore) ZPeekMin(ctx context.Context, key string) (string, float64, bool, error) {
	res, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return "", 0, false, err
	}
	if len(res) == 0 {
		return "", 0, false, nil
	}
	member, ok := res[0].Member.(string)
	if !ok {
		return "", 0, false, errors.New("kvstore: unexpected member type from ZRANGE")
	}
	return member, res[0].Score, true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
