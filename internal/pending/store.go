// Package pending persists the nodes that changed since a repository was
// last summarized, plus the snapshot those changes were measured against.
package pending

import (
	"context"
	"sort"
	"sync"

	"repoviz/internal/cachekey"
	"repoviz/internal/tree"
)

// Set maps node id (owner/repo:path) to the changed node.
type Set map[string]*tree.RepoNode

// IDs returns the node ids in sorted order.
func (s Set) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Nodes returns the nodes ordered by id.
func (s Set) Nodes() []*tree.RepoNode {
	ids := s.IDs()
	out := make([]*tree.RepoNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, s[id])
	}
	return out
}

type Store interface {
	// Load returns an empty set for an unknown repository.
	Load(ctx context.Context, repo cachekey.RepoRef) (Set, error)
	// Save replaces the whole set.
	Save(ctx context.Context, repo cachekey.RepoRef, set Set) error
	// Add merges nodes into the set, replacing entries with the same path.
	Add(ctx context.Context, repo cachekey.RepoRef, nodes ...*tree.RepoNode) error
	Remove(ctx context.Context, repo cachekey.RepoRef, paths ...string) error
	Clear(ctx context.Context, repo cachekey.RepoRef) error

	// SaveBaseline replaces the snapshot future diffs are measured against.
	SaveBaseline(ctx context.Context, repo cachekey.RepoRef, root *tree.RepoNode) error
	// LoadBaseline returns nil when no baseline exists.
	LoadBaseline(ctx context.Context, repo cachekey.RepoRef) (*tree.RepoNode, error)
	// LastRepo is the repository whose baseline was saved most recently.
	LastRepo(ctx context.Context) (cachekey.RepoRef, bool, error)

	Close() error
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	sets      map[cachekey.RepoRef]Set
	baselines map[cachekey.RepoRef]*tree.RepoNode
	last      *cachekey.RepoRef
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:      map[cachekey.RepoRef]Set{},
		baselines: map[cachekey.RepoRef]*tree.RepoNode{},
	}
}

func (m *MemoryStore) Load(_ context.Context, repo cachekey.RepoRef) (Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Set{}
	for id, n := range m.sets[repo] {
		out[id] = n
	}
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, repo cachekey.RepoRef, set Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(Set, len(set))
	for id, n := range set {
		cp[id] = n
	}
	m.sets[repo] = cp
	return nil
}

func (m *MemoryStore) Add(_ context.Context, repo cachekey.RepoRef, nodes ...*tree.RepoNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[repo]
	if set == nil {
		set = Set{}
		m.sets[repo] = set
	}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		set[cachekey.NodeID(repo.Owner, repo.Repo, n.Path)] = n
	}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, repo cachekey.RepoRef, paths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.sets[repo], cachekey.NodeID(repo.Owner, repo.Repo, p))
	}
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, repo cachekey.RepoRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, repo)
	return nil
}

func (m *MemoryStore) SaveBaseline(_ context.Context, repo cachekey.RepoRef, root *tree.RepoNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[repo] = root
	r := repo
	m.last = &r
	return nil
}

func (m *MemoryStore) LoadBaseline(_ context.Context, repo cachekey.RepoRef) (*tree.RepoNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baselines[repo], nil
}

func (m *MemoryStore) LastRepo(context.Context) (cachekey.RepoRef, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return cachekey.RepoRef{}, false, nil
	}
	return *m.last, true, nil
}

func (m *MemoryStore) Close() error { return nil }
