package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the Store contract with Redis. Scripts run through
// EVALSHA with an EVAL fallback on cold caches.
type RedisStore struct {
	client redis.UniversalClient
	prefix string

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("store: redis client is required")
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		scripts: make(map[string]*redis.Script),
	}, nil
}

func (s *RedisStore) BuildKey(parts ...string) string {
	if s == nil {
		return JoinKey("", parts...)
	}
	return JoinKey(s.prefix, parts...)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.client == nil {
		return "", false, fmt.Errorf("store: redis store is not configured")
	}
	trimmed, err := validateKey(key)
	if err != nil {
		return "", false, err
	}
	value, err := s.client.Get(ctx, trimmed).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: redis get: %w", err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("store: redis store is not configured")
	}
	trimmed, err := validateEntry(key, value, ttl)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, trimmed, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("store: redis store is not configured")
	}
	trimmed, err := validateEntry(key, value, ttl)
	if err != nil {
		return false, err
	}
	created, err := s.client.SetNX(ctx, trimmed, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: redis setnx: %w", err)
	}
	return created, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("store: redis store is not configured")
	}
	trimmed, err := validateKey(key)
	if err != nil {
		return false, err
	}
	removed, err := s.client.Del(ctx, trimmed).Result()
	if err != nil {
		return false, fmt.Errorf("store: redis del: %w", err)
	}
	return removed > 0, nil
}

func (s *RedisStore) Eval(ctx context.Context, script Script, keys []string, args ...any) (any, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("store: redis store is not configured")
	}
	if script.Src == "" {
		return nil, fmt.Errorf("%w: %q", ErrScriptUnknown, script.Name)
	}
	result, err := s.scriptFor(script).Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis eval %s: %w", script.Name, err)
	}
	return result, nil
}

func (s *RedisStore) scriptFor(script Script) *redis.Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.scripts[script.Name]; ok {
		return cached
	}
	compiled := redis.NewScript(script.Src)
	s.scripts[script.Name] = compiled
	return compiled
}

var _ Store = (*RedisStore)(nil)
