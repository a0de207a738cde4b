package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "session:v1:"

// RedisStore keeps each session as a Redis hash with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore builds a Redis-backed session store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, sid, key string, dst any) (bool, error) {
	if sid == "" {
		return false, ErrNoSession
	}
	raw, err := s.client.HGet(ctx, redisPrefix+sid, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode session value %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Set(ctx context.Context, sid, key string, value any) error {
	if sid == "" {
		return ErrNoSession
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode session value %s: %w", key, err)
	}
	hash := redisPrefix + sid
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hash, key, payload)
		pipe.Expire(ctx, hash, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Pull(ctx context.Context, sid, key string, dst any) (bool, error) {
	if sid == "" {
		return false, ErrNoSession
	}
	hash := redisPrefix + sid
	var get *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGet(ctx, hash, key)
		pipe.HDel(ctx, hash, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("session pull %s: %w", key, err)
	}
	raw, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session pull %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode session value %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Delete(ctx context.Context, sid, key string) error {
	if sid == "" {
		return ErrNoSession
	}
	if err := s.client.HDel(ctx, redisPrefix+sid, key).Err(); err != nil {
		return fmt.Errorf("session delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Destroy(ctx context.Context, sid string) error {
	if sid == "" {
		return ErrNoSession
	}
	if err := s.client.Del(ctx, redisPrefix+sid).Err(); err != nil {
		return fmt.Errorf("session destroy: %w", err)
	}
	return nil
}
