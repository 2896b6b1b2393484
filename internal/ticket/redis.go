package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "podrelay:ticket:"

// RedisStore shares tickets between server replicas, so a ticket issued by
// one replica can be redeemed on another.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Put(ctx context.Context, rec Record, keep time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	return s.rdb.Set(ctx, redisKeyPrefix+rec.Value, data, keep).Err()
}

// Take uses GETDEL so a ticket is handed out to exactly one caller even when
// replicas race on it.
func (s *RedisStore) Take(ctx context.Context, value string) (Record, bool, error) {
	data, err := s.rdb.GetDel(ctx, redisKeyPrefix+value).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal ticket: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
