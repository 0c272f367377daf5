package memory

import (
	"container/list"
	"sort"
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	size      int
}

// LRUTTL is a threadsafe LRU cache keyed by string with a default TTL that
// individual writes may override. A zero expiry never expires.
type LRUTTL[V any] struct {
	mu         sync.Mutex
	ll         *list.List
	items      map[string]*list.Element
	maxEntries int
	maxBytes   int
	totalBytes int
	ttl        time.Duration
	now        func() time.Time
}

func NewLRUTTL[V any](maxEntries int, maxBytes int, ttl time.Duration) *LRUTTL[V] {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &LRUTTL[V]{
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		now:        time.Now,
	}
}

// SetClock replaces the time source; tests only.
func (c *LRUTTL[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *LRUTTL[V]) Get(key string) (V, bool) {
	v, _, ok := c.GetWithExpiry(key)
	return v, ok
}

// GetWithExpiry is Get plus the entry's expiry; zero when it never expires.
func (c *LRUTTL[V]) GetWithExpiry(key string) (V, time.Time, bool) {
	var zero V
	if c == nil {
		return zero, time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ele, ok := c.items[key]
	if !ok {
		return zero, time.Time{}, false
	}
	ent := ele.Value.(*entry[V])
	if c.expiredLocked(ent) {
		c.removeElement(ele)
		return zero, time.Time{}, false
	}
	c.ll.MoveToFront(ele)
	return ent.value, ent.expiresAt, true
}

// Set stores value with the cache's default TTL.
func (c *LRUTTL[V]) Set(key string, value V, sizeBytes int) {
	c.SetWithTTL(key, value, sizeBytes, c.ttl)
}

// SetWithTTL stores value expiring after ttl; ttl <= 0 means no expiry.
func (c *LRUTTL[V]) SetWithTTL(key string, value V, sizeBytes int, ttl time.Duration) {
	if c == nil {
		return
	}
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	if ele, ok := c.items[key]; ok {
		ent := ele.Value.(*entry[V])
		c.totalBytes -= ent.size
		ent.value = value
		ent.size = sizeBytes
		ent.expiresAt = expiresAt
		c.totalBytes += ent.size
		c.ll.MoveToFront(ele)
		c.evictLocked()
		return
	}

	ent := &entry[V]{key: key, value: value, size: sizeBytes, expiresAt: expiresAt}
	c.items[key] = c.ll.PushFront(ent)
	c.totalBytes += sizeBytes
	c.evictLocked()
}

func (c *LRUTTL[V]) Delete(key string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
		return true
	}
	return false
}

// Keys returns the live keys starting with prefix, sorted. Expired entries
// met on the way are dropped.
func (c *LRUTTL[V]) Keys(prefix string) []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0)
	for key, ele := range c.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if c.expiredLocked(ele.Value.(*entry[V])) {
			c.removeElement(ele)
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (c *LRUTTL[V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *LRUTTL[V]) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll = list.New()
	c.items = make(map[string]*list.Element)
	c.totalBytes = 0
}

func (c *LRUTTL[V]) expiredLocked(ent *entry[V]) bool {
	return !ent.expiresAt.IsZero() && c.now().After(ent.expiresAt)
}

func (c *LRUTTL[V]) evictLocked() {
	for c.ll.Len() > 0 {
		if c.ll.Len() <= c.maxEntries && (c.maxBytes <= 0 || c.totalBytes <= c.maxBytes) {
			return
		}
		c.removeElement(c.ll.Back())
	}
}

func (c *LRUTTL[V]) removeElement(ele *list.Element) {
	if ele == nil {
		return
	}
	c.ll.Remove(ele)
	ent := ele.Value.(*entry[V])
	delete(c.items, ent.key)
	c.totalBytes -= ent.size
	if c.totalBytes < 0 {
		c.totalBytes = 0
	}
}
