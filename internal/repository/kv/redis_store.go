package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore talks to any Redis-compatible endpoint, including hosted ones
// such as Upstash reached through a rediss:// URL.
type RedisStore struct {
	client    redis.UniversalClient
	scanCount int64
}

type RedisConfig struct {
	URL       string
	ScanCount int64
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStoreFromClient(redis.NewClient(opts), cfg.ScanCount), nil
}

// NewRedisStoreFromClient wraps an existing client; the store owns it
// afterwards.
func NewRedisStoreFromClient(client redis.UniversalClient, scanCount int64) *RedisStore {
	if scanCount <= 0 {
		scanCount = 500
	}
	return &RedisStore{client: client, scanCount: scanCount}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("redis get", err)
	}
	return raw, true, nil
}

// GetWithExpiry reads the value and its PTTL in one round trip.
func (s *RedisStore) GetWithExpiry(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	var (
		get *redis.StringCmd
		ttl *redis.DurationCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, key)
		ttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, unavailable("redis get", err)
	}
	raw, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, unavailable("redis get", err)
	}
	var at time.Time
	if d := ttl.Val(); d > 0 {
		at = time.Now().Add(d)
	}
	return raw, at, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return unavailable("redis set", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return unavailable("redis del", s.client.Del(ctx, key).Err())
}

// Keys walks SCAN with a MATCH pattern instead of KEYS so large databases
// are not blocked.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(prefix) + "*"
	seen := make(map[string]struct{})
	out := make([]string, 0)
	iter := s.client.Scan(ctx, 0, pattern, s.scanCount).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("redis scan", err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
