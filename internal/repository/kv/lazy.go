package kv

import (
	"sync"
	"sync/atomic"
)

// lazyInit runs a setup step until it succeeds once. A failed attempt is
// retried by the next caller; concurrent callers wait for the attempt in
// flight.
type lazyInit struct {
	mu   sync.Mutex
	done atomic.Bool
}

func (l *lazyInit) Do(fn func() error) error {
	if l.done.Load() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done.Load() {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	l.done.Store(true)
	return nil
}
