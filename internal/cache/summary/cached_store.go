package summary

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"repoviz/internal/cachekey"
	"repoviz/internal/metrics"
	"repoviz/internal/repository/kv"
	"repoviz/internal/tree"
)

// ErrStoreUnavailable reports a remote transport failure. Callers treat it
// as a miss.
var ErrStoreUnavailable = kv.ErrUnavailable

type CacheConfig struct {
	TTL             time.Duration
	LocalTTL        time.Duration
	LocalMaxEntries int
	Concurrency     int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:             DefaultTTL,
		LocalTTL:        10 * time.Minute,
		LocalMaxEntries: 4096,
		Concurrency:     16,
	}
}

type MetricsSnapshot struct {
	LocalHits   uint64
	RemoteHits  uint64
	Misses      uint64
	Writes      uint64
	ReadErrors  uint64
	WriteErrors uint64
	Deletes     uint64
}

type Metrics struct {
	localHits   atomic.Uint64
	remoteHits  atomic.Uint64
	misses      atomic.Uint64
	writes      atomic.Uint64
	readErrors  atomic.Uint64
	writeErrors atomic.Uint64
	deletes     atomic.Uint64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		LocalHits:   m.localHits.Load(),
		RemoteHits:  m.remoteHits.Load(),
		Misses:      m.misses.Load(),
		Writes:      m.writes.Load(),
		ReadErrors:  m.readErrors.Load(),
		WriteErrors: m.writeErrors.Load(),
		Deletes:     m.deletes.Load(),
	}
}

// Store is constructed once per process and shared by every caller.
type Store struct {
	remote kv.Store
	log    *zap.Logger
	cfg    CacheConfig

	records *expirable.LRU[string, localRecord]
	counts  *expirable.LRU[string, int]
	metrics Metrics
	now     func() time.Time
}

// localRecord remembers when the remote copy expires, so the local tier
// never serves a record the remote store already dropped.
type localRecord struct {
	rec     Record
	expires time.Time
}

func NewStore(remote kv.Store, log *zap.Logger, cfg CacheConfig) *Store {
	def := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = def.LocalTTL
	}
	// A local entry must never outlive its remote copy.
	if cfg.LocalTTL > cfg.TTL {
		cfg.LocalTTL = cfg.TTL
	}
	if cfg.LocalMaxEntries <= 0 {
		cfg.LocalMaxEntries = def.LocalMaxEntries
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		remote:  remote,
		log:     log,
		cfg:     cfg,
		records: expirable.NewLRU[string, localRecord](cfg.LocalMaxEntries, nil, cfg.LocalTTL),
		counts:  expirable.NewLRU[string, int](cfg.LocalMaxEntries, nil, cfg.LocalTTL),
		now:     time.Now,
	}
}

// GetSummary returns ok=false on a miss. A non-nil error is either a key
// validation error or ErrStoreUnavailable.
func (s *Store) GetSummary(ctx context.Context, key cachekey.SummaryKey) (Record, bool, error) {
	k, err := key.Encode()
	if err != nil {
		return Record{}, false, err
	}
	if lr, ok := s.records.Get(k); ok {
		if lr.expires.IsZero() || s.now().Before(lr.expires) {
			s.metrics.localHits.Add(1)
			metrics.RecordCacheLookup("local", true)
			rec := lr.rec
			rec.FromCache = true
			return rec, true, nil
		}
		s.records.Remove(k)
	}
	metrics.RecordCacheLookup("local", false)

	raw, expires, ok, err := s.remoteGet(ctx, k)
	if err != nil {
		s.metrics.readErrors.Add(1)
		metrics.RecordCacheError("get")
		return Record{}, false, err
	}
	if !ok {
		s.metrics.misses.Add(1)
		metrics.RecordCacheLookup("remote", false)
		return Record{}, false, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		// A corrupt entry is regenerable; report it as absent.
		s.log.Warn("discarding undecodable summary", zap.String("key", k), zap.Error(err))
		s.metrics.misses.Add(1)
		return Record{}, false, nil
	}
	s.metrics.remoteHits.Add(1)
	metrics.RecordCacheLookup("remote", true)
	s.records.Add(k, localRecord{rec: rec, expires: expires})
	rec.FromCache = true
	return rec, true, nil
}

// remoteGet reads k and, when the backend reports it, the remote expiry.
func (s *Store) remoteGet(ctx context.Context, k string) ([]byte, time.Time, bool, error) {
	if er, ok := s.remote.(kv.ExpiryReader); ok {
		return er.GetWithExpiry(ctx, k)
	}
	raw, ok, err := s.remote.Get(ctx, k)
	return raw, time.Time{}, ok, err
}

// PutSummary writes through to both tiers. Remote failures are logged and
// counted, never returned.
func (s *Store) PutSummary(ctx context.Context, key cachekey.SummaryKey, rec Record) {
	k, err := key.Encode()
	if err != nil {
		s.log.Warn("refusing to cache summary", zap.Error(err))
		return
	}
	rec.FromCache = false
	raw, err := encodeRecord(rec)
	if err != nil {
		s.log.Warn("encode summary", zap.String("key", k), zap.Error(err))
		return
	}
	s.records.Add(k, localRecord{rec: rec, expires: s.now().Add(s.cfg.TTL)})
	s.metrics.writes.Add(1)
	if err := s.remote.Set(ctx, k, raw, s.cfg.TTL); err != nil {
		s.metrics.writeErrors.Add(1)
		metrics.RecordCacheError("set")
		s.log.Warn("failed to store summary", zap.String("key", k), zap.Error(err))
	}
}

// PutChildrenCount records how many children fed a directory summary.
func (s *Store) PutChildrenCount(ctx context.Context, key cachekey.ChildrenKey, n int) {
	k, err := key.Encode()
	if err != nil {
		s.log.Warn("refusing to cache children count", zap.Error(err))
		return
	}
	raw, _ := json.Marshal(n)
	s.counts.Add(k, n)
	s.metrics.writes.Add(1)
	if err := s.remote.Set(ctx, k, raw, s.cfg.TTL); err != nil {
		s.metrics.writeErrors.Add(1)
		metrics.RecordCacheError("set")
		s.log.Warn("failed to store children count", zap.String("key", k), zap.Error(err))
	}
}

// GetChildrenCount returns ok=false when no count is stored.
func (s *Store) GetChildrenCount(ctx context.Context, key cachekey.ChildrenKey) (int, bool, error) {
	k, err := key.Encode()
	if err != nil {
		return 0, false, err
	}
	if n, ok := s.counts.Get(k); ok {
		return n, true, nil
	}
	raw, ok, err := s.remote.Get(ctx, k)
	if err != nil {
		s.metrics.readErrors.Add(1)
		metrics.RecordCacheError("get")
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	n, err := decodeCount(raw)
	if err != nil {
		return 0, false, nil
	}
	s.counts.Add(k, n)
	return n, true, nil
}

// DeleteSummary removes the summary and, for directories, the children
// count. Deleting absent keys succeeds; false means a transport failure.
func (s *Store) DeleteSummary(ctx context.Context, owner, repo, path string, kind tree.Kind) bool {
	key := cachekey.NewSummaryKey(owner, repo, path, kind)
	k, err := key.Encode()
	if err != nil {
		s.log.Warn("refusing to delete summary", zap.String("path", path), zap.Error(err))
		return false
	}
	s.records.Remove(k)
	s.metrics.deletes.Add(1)
	if err := s.remote.Delete(ctx, k); err != nil {
		metrics.RecordCacheError("delete")
		s.log.Warn("failed to delete summary", zap.String("key", k), zap.Error(err))
		return false
	}
	if kind != tree.KindDirectory {
		return true
	}
	ck := key.ChildrenKey().String()
	s.counts.Remove(ck)
	if err := s.remote.Delete(ctx, ck); err != nil {
		metrics.RecordCacheError("delete")
		s.log.Warn("failed to delete children count", zap.String("key", ck), zap.Error(err))
		return false
	}
	return true
}

// BatchDeleteSummaries fans deletes out in parallel. The result is true only
// when every delete succeeded; completed deletes are not rolled back.
func (s *Store) BatchDeleteSummaries(ctx context.Context, owner, repo string, items []PathKind) bool {
	var failed atomic.Bool
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, it := range items {
		g.Go(func() error {
			if !s.DeleteSummary(ctx, owner, repo, it.Path, it.Kind) {
				failed.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	if failed.Load() {
		s.log.Warn("batch delete incomplete", zap.String("repo", owner+"/"+repo), zap.Int("items", len(items)))
	}
	return !failed.Load()
}

// BatchGet looks every key up in parallel. Failed or missing lookups are
// simply absent from the result.
func (s *Store) BatchGet(ctx context.Context, keys []cachekey.SummaryKey) map[cachekey.SummaryKey]Record {
	var mu sync.Mutex
	out := make(map[cachekey.SummaryKey]Record, len(keys))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, key := range keys {
		g.Go(func() error {
			rec, ok, err := s.GetSummary(ctx, key)
			if err != nil {
				s.log.Debug("batch get miss", zap.String("key", key.String()), zap.Error(err))
				return nil
			}
			if ok {
				mu.Lock()
				out[key] = rec
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ListByPrefix returns the remote keys under prefix. Zero matches give an
// empty slice.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.remote.Keys(ctx, prefix)
	if err != nil {
		metrics.RecordCacheError("list")
		return nil, err
	}
	return keys, nil
}

// LoadAllCachedSummaries hydrates every summary of a repository keyed by
// node id. Failures yield an empty map.
func (s *Store) LoadAllCachedSummaries(ctx context.Context, owner, repo string) map[string]Record {
	out := map[string]Record{}
	if err := (cachekey.RepoRef{Owner: owner, Repo: repo}).Validate(); err != nil {
		s.log.Warn("load summaries", zap.Error(err))
		return out
	}
	keys, err := s.ListByPrefix(ctx, cachekey.SummaryPrefix(owner, repo))
	if err != nil {
		s.log.Error("failed to load cached summaries", zap.String("repo", owner+"/"+repo), zap.Error(err))
		return out
	}
	parsed := make([]cachekey.SummaryKey, 0, len(keys))
	for _, k := range keys {
		sk, err := cachekey.DecodeSummaryKey(k)
		if err != nil {
			s.log.Debug("skipping foreign key", zap.String("key", k))
			continue
		}
		parsed = append(parsed, sk)
	}
	for sk, rec := range s.BatchGet(ctx, parsed) {
		out[sk.NodeID()] = rec
	}
	return out
}

// LoadAllChildrenCounts hydrates every children count of a repository keyed
// by node id. Failures yield an empty map.
func (s *Store) LoadAllChildrenCounts(ctx context.Context, owner, repo string) map[string]int {
	out := map[string]int{}
	if err := (cachekey.RepoRef{Owner: owner, Repo: repo}).Validate(); err != nil {
		s.log.Warn("load children counts", zap.Error(err))
		return out
	}
	keys, err := s.ListByPrefix(ctx, cachekey.ChildrenPrefix(owner, repo))
	if err != nil {
		s.log.Error("failed to load children counts", zap.String("repo", owner+"/"+repo), zap.Error(err))
		return out
	}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, k := range keys {
		ck, err := cachekey.DecodeChildrenKey(k)
		if err != nil {
			continue
		}
		g.Go(func() error {
			n, ok, err := s.GetChildrenCount(ctx, ck)
			if err != nil || !ok {
				return nil
			}
			mu.Lock()
			out[ck.NodeID()] = n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Stats counts the cached entries of a repository without fetching values.
func (s *Store) Stats(ctx context.Context, owner, repo string) (Stats, error) {
	if err := (cachekey.RepoRef{Owner: owner, Repo: repo}).Validate(); err != nil {
		return Stats{}, err
	}
	keys, err := s.ListByPrefix(ctx, cachekey.SummaryPrefix(owner, repo))
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, k := range keys {
		sk, err := cachekey.DecodeSummaryKey(k)
		if err != nil {
			continue
		}
		st.Total++
		if sk.Kind == tree.KindDirectory {
			st.Directories++
		} else {
			st.Files++
		}
	}
	children, err := s.ListByPrefix(ctx, cachekey.ChildrenPrefix(owner, repo))
	if err != nil {
		return Stats{}, err
	}
	st.Children = len(children)
	return st, nil
}

// Invalidate drops every local entry of a repository. The remote tier is
// untouched.
func (s *Store) Invalidate(owner, repo string) int {
	removed := 0
	sp := cachekey.SummaryPrefix(owner, repo)
	for _, k := range s.records.Keys() {
		if strings.HasPrefix(k, sp) && s.records.Remove(k) {
			removed++
		}
	}
	cp := cachekey.ChildrenPrefix(owner, repo)
	for _, k := range s.counts.Keys() {
		if strings.HasPrefix(k, cp) && s.counts.Remove(k) {
			removed++
		}
	}
	return removed
}

func (s *Store) Metrics() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.snapshot()
}

func (s *Store) Close() error {
	s.records.Purge()
	s.counts.Purge()
	return s.remote.Close()
}

// IsUnavailable reports whether err came from the remote transport.
func IsUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }
