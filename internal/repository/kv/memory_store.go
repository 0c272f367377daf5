package kv

import (
	"context"
	"time"

	"repoviz/internal/cache/memory"
)

// MemoryStore keeps entries in process memory. It stands in for the remote
// store in local runs and tests.
type MemoryStore struct {
	lru *memory.LRUTTL[[]byte]
}

// NewMemoryStore bounds the store to maxEntries; 0 picks a large default.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1 << 16
	}
	return &MemoryStore{lru: memory.NewLRUTTL[[]byte](maxEntries, 0, 0)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, _, ok, err := s.GetWithExpiry(ctx, key)
	return v, ok, err
}

func (s *MemoryStore) GetWithExpiry(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, false, unavailable("get", err)
	}
	v, at, ok := s.lru.GetWithExpiry(key)
	if !ok {
		return nil, time.Time{}, false, nil
	}
	return append([]byte(nil), v...), at, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("set", err)
	}
	copied := append([]byte(nil), value...)
	s.lru.SetWithTTL(key, copied, len(copied), ttl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete", err)
	}
	s.lru.Delete(key)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("keys", err)
	}
	return s.lru.Keys(prefix), nil
}

func (s *MemoryStore) Close() error {
	s.lru.Clear()
	return nil
}
