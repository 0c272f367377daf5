package kv

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"repoviz/internal/tester"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	defer s.Close()

	_, ok, err := s.Get(ctx, "missing")
	tester.NoErr(t, err)
	tester.False(t, ok, "missing key")

	val := []byte(`{"summary":"x"}`)
	tester.NoErr(t, s.Set(ctx, "summary:a/b:main.go:file", val, time.Hour))
	val[0] = 'X'

	got, ok, err := s.Get(ctx, "summary:a/b:main.go:file")
	tester.NoErr(t, err)
	tester.True(t, ok)
	tester.Eq(t, string(got), `{"summary":"x"}`, "stored value must be a copy")

	tester.NoErr(t, s.Delete(ctx, "summary:a/b:main.go:file"))
	tester.NoErr(t, s.Delete(ctx, "summary:a/b:main.go:file"))
	_, ok, _ = s.Get(ctx, "summary:a/b:main.go:file")
	tester.False(t, ok, "deleted")
}

func TestMemoryStoreKeysByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(16)
	for _, k := range []string{"summary:a/b:z:file", "summary:a/b:a:file", "summary:a/c:x:file", "summarized-children:a/b:"} {
		tester.NoErr(t, s.Set(ctx, k, []byte("1"), 0))
	}
	keys, err := s.Keys(ctx, "summary:a/b:")
	tester.NoErr(t, err)
	tester.Eq(t, keys, []string{"summary:a/b:a:file", "summary:a/b:z:file"})

	none, err := s.Keys(ctx, "summary:nobody/none:")
	tester.NoErr(t, err)
	tester.Eq(t, len(none), 0)
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore(1)
	_, _, err := s.Get(ctx, "k")
	tester.ErrIs(t, err, ErrUnavailable)
	tester.ErrIs(t, err, context.Canceled)
}

func TestUnavailableWrapping(t *testing.T) {
	tester.NoErr(t, unavailable("op", nil))
	err := unavailable("redis get", errors.New("dial tcp: refused"))
	tester.ErrIs(t, err, ErrUnavailable)
	tester.Contains(t, err.Error(), "redis get")
	tester.Contains(t, err.Error(), "refused")
}

func TestEscapeGlob(t *testing.T) {
	tester.Eq(t, escapeGlob("summary:a/b:"), "summary:a/b:")
	tester.Eq(t, escapeGlob("summary:a/b:[x]*?"), `summary:a/b:\[x\]\*\?`)
	tester.Eq(t, escapeGlob(`a\b`), `a\\b`)
}

func TestEscapeLike(t *testing.T) {
	tester.Eq(t, escapeLike("summary:a_b/c%d:"), `summary:a\_b/c\%d:`)
	tester.Eq(t, escapeLike(`x\y`), `x\\y`)
}

func TestS3ExpiryMetadata(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &S3Store{now: func() time.Time { return now }}

	tester.False(t, s.expired(nil))
	tester.False(t, s.expired(map[string]string{"Expires-At": now.Add(time.Minute).Format(time.RFC3339)}))
	tester.True(t, s.expired(map[string]string{"Expires-At": now.Add(-time.Minute).Format(time.RFC3339)}))
	tester.True(t, s.expired(map[string]string{"X-Amz-Meta-Expires-At": now.Format(time.RFC3339)}))
	tester.False(t, s.expired(map[string]string{"Expires-At": "garbage"}))
}

func TestNewS3StoreValidatesConfig(t *testing.T) {
	_, err := NewS3Store(S3Config{})
	tester.True(t, err != nil, "endpoint required")
	_, err = NewS3Store(S3Config{Endpoint: "localhost:9000"})
	tester.True(t, err != nil, "credentials required")
	_, err = NewS3Store(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	tester.True(t, err != nil, "bucket required")

	s, err := NewS3Store(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "summaries", Prefix: "/cache/"})
	tester.NoErr(t, err)
	defer s.Close()
	tester.Eq(t, s.objectKey("summary:a/b::directory"), "cache/summary:a/b::directory")
}

func TestLazyInitRetriesAfterFailure(t *testing.T) {
	var l lazyInit
	calls := 0
	boom := errors.New("boom")

	err := l.Do(func() error { calls++; return boom })
	tester.ErrIs(t, err, boom)
	tester.NoErr(t, l.Do(func() error { calls++; return nil }))
	tester.NoErr(t, l.Do(func() error { calls++; return boom }), "success latches")
	tester.Eq(t, calls, 2)
}

func TestS3EnsureBucketRecoversFromCanceledContext(t *testing.T) {
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && strings.Trim(r.URL.Path, "/") == "summaries" {
			heads.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer srv.Close()

	s, err := NewS3Store(S3Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "a",
		SecretKey: "b",
		Bucket:    "summaries",
	})
	tester.NoErr(t, err)
	defer s.Close()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.ensureBucket(canceled)
	tester.ErrIs(t, err, ErrUnavailable, "first attempt fails with the caller's context")

	tester.NoErr(t, s.ensureBucket(context.Background()), "a later caller retries")
	tester.NoErr(t, s.ensureBucket(context.Background()))
	tester.Eq(t, heads.Load(), int32(1))
}
