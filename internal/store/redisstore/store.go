package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const introspectPrefix = "introspect:"

// Store caches access-token introspection results.
type Store struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Store{rdb: rdb}, nil
}

func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error { return s.rdb.Close() }

func introspectKey(key string) string { return introspectPrefix + key }

// GetSubject returns the cached subject for key. A miss is ("", false, nil).
func (s *Store) GetSubject(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, introspectKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SetSubject(ctx context.Context, key, subject string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, introspectKey(key), subject, ttl).Err()
}

func (s *Store) DeleteSubject(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, introspectKey(key)).Err()
}
