// Package kv provides the TTL-capable key-value backends the summary cache
// persists into.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps every transport-level failure of a backend. A missing
// key is never reported through it.
var ErrUnavailable = errors.New("kv store unavailable")

// Store is a remote-ish key-value store with per-key expiry.
type Store interface {
	// Get returns ok=false for a missing or expired key.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set replaces any existing value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	// Keys lists the live keys starting with prefix, sorted. Zero matches
	// yield an empty slice.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ExpiryReader is implemented by stores that can tell when a key expires.
type ExpiryReader interface {
	// GetWithExpiry is Get plus the key's expiry; a zero time means none.
	GetWithExpiry(ctx context.Context, key string) (value []byte, expiresAt time.Time, ok bool, err error)
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
