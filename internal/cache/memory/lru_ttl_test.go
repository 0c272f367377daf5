package memory

import (
	"testing"
	"time"

	"repoviz/internal/tester"
)

func TestLRUTTLEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUTTL[string](2, 0, time.Minute)
	c.Set("a", "1", 1)
	c.Set("b", "2", 1)
	_, _ = c.Get("a")
	c.Set("c", "3", 1)

	_, okB := c.Get("b")
	tester.False(t, okB, "b should be evicted")
	v, okA := c.Get("a")
	tester.True(t, okA, "a was recently used")
	tester.Eq(t, v, "1")
}

func TestLRUTTLPerEntryExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewLRUTTL[int](10, 0, time.Minute)
	c.SetClock(func() time.Time { return now })
	c.SetWithTTL("short", 1, 0, time.Second)
	c.SetWithTTL("forever", 2, 0, 0)
	c.Set("default", 3, 0)

	now = now.Add(2 * time.Second)
	_, ok := c.Get("short")
	tester.False(t, ok, "short expired")
	tester.Eq(t, c.Keys(""), []string{"default", "forever"})

	now = now.Add(time.Hour)
	tester.Eq(t, c.Keys(""), []string{"forever"})
}

func TestLRUTTLKeysByPrefix(t *testing.T) {
	c := NewLRUTTL[int](10, 0, time.Minute)
	c.Set("summary:a/b:x:file", 1, 0)
	c.Set("summary:a/b:y:file", 1, 0)
	c.Set("summary:a/c:z:file", 1, 0)
	tester.Eq(t, c.Keys("summary:a/b:"), []string{"summary:a/b:x:file", "summary:a/b:y:file"})
	tester.Eq(t, c.Keys("nope"), []string{})
}

func TestLRUTTLMaxBytes(t *testing.T) {
	c := NewLRUTTL[[]byte](10, 4, time.Minute)
	c.Set("a", []byte("aa"), 2)
	c.Set("b", []byte("bb"), 2)
	c.Set("c", []byte("cc"), 2)
	tester.Eq(t, c.Len(), 2)
	tester.True(t, c.Delete("c"))
	tester.False(t, c.Delete("c"), "second delete is a no-op")
}
