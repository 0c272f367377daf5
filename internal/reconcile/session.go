package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"repoviz/internal/cache/summary"
	"repoviz/internal/cachekey"
	"repoviz/internal/diff"
	"repoviz/internal/pending"
	"repoviz/internal/tree"
)

// ApplyChanges deletes the summaries of removed nodes, re-summarizes added
// and updated nodes, then drops every node that did not fail from the
// pending set. Pending nodes missing from req.Root are dropped up front. Updated files are refreshed so their stale summary is not
// mistaken for a current one. req.Selected and req.Refresh are replaced.
func (e *Engine) ApplyChanges(ctx context.Context, req Request, changes []diff.Change, store pending.Store, onProgress func(Progress)) (Tally, error) {
	if store != nil && req.Root != nil {
		if err := prunePending(ctx, store, req.Repo, req.Root); err != nil {
			e.log.Warn("failed to prune pending updates", zap.String("repo", req.Repo.String()), zap.Error(err))
		}
	}
	upserts, deletions := diff.Split(changes)
	if len(deletions) > 0 {
		e.DeleteRemoved(ctx, req.Repo, deletions)
		if req.Cached != nil {
			cached := make(map[string]summary.Record, len(req.Cached))
			for id, rec := range req.Cached {
				cached[id] = rec
			}
			for _, n := range deletions {
				delete(cached, cachekey.NodeID(req.Repo.Owner, req.Repo.Repo, n.Path))
			}
			req.Cached = cached
		}
	}
	if len(upserts) == 0 {
		return Tally{State: StateCompleted}, nil
	}

	req.Selected = req.Selected[:0:0]
	req.Refresh = req.Refresh[:0:0]
	for _, c := range changes {
		switch c.Type {
		case diff.Added:
			req.Selected = append(req.Selected, c.Node.Path)
		case diff.Updated:
			req.Selected = append(req.Selected, c.Node.Path)
			req.Refresh = append(req.Refresh, c.Node.Path)
		}
	}

	tally, err := e.Reconcile(ctx, req, onProgress)
	if store == nil || tally.Processed == 0 {
		return tally, err
	}
	var done []string
	for _, o := range tally.Outcomes {
		if o.Status != StatusFailed {
			done = append(done, o.Path)
		}
	}
	if perr := store.Remove(ctx, req.Repo, done...); perr != nil {
		e.log.Warn("failed to clear pending updates", zap.String("repo", req.Repo.String()), zap.Error(perr))
	}
	return tally, err
}

// Observation is the outcome of recording a fresh snapshot.
type Observation struct {
	// SameRepo is false when the previous snapshot belonged to another
	// repository, or there was none; no diff is computed then.
	SameRepo bool
	Changes  []diff.Change
	Pending  pending.Set
}

// Session tracks the last observed snapshot and the nodes still awaiting
// re-summarization.
type Session struct {
	store pending.Store
	log   *zap.Logger
}

func NewSession(store pending.Store, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{store: store, log: log}
}

// Observe diffs root against the baseline of the same repository and
// merges added and updated nodes into the pending set. Queued nodes that
// root no longer holds leave the pending set. Switching to another
// repository clears the previous one's pending set and restarts from root.
// The baseline only advances when nothing changed, so unapplied changes are
// reported again on the next observation.
func (s *Session) Observe(ctx context.Context, repo cachekey.RepoRef, root *tree.RepoNode) (Observation, error) {
	if err := repo.Validate(); err != nil {
		return Observation{}, err
	}
	last, ok, err := s.store.LastRepo(ctx)
	if err != nil {
		return Observation{}, fmt.Errorf("load session: %w", err)
	}
	if ok && last != repo {
		s.log.Info("repository switched; clearing pending updates",
			zap.String("previous", last.String()), zap.String("current", repo.String()))
		if err := s.store.Clear(ctx, last); err != nil {
			return Observation{}, err
		}
	}

	var previous *tree.RepoNode
	if ok && last == repo {
		if previous, err = s.store.LoadBaseline(ctx, repo); err != nil {
			return Observation{}, fmt.Errorf("load baseline: %w", err)
		}
	}
	if previous == nil {
		if err := s.store.Clear(ctx, repo); err != nil {
			return Observation{}, err
		}
		if err := s.store.SaveBaseline(ctx, repo, root); err != nil {
			return Observation{}, err
		}
		return Observation{Pending: pending.Set{}}, nil
	}

	obs := Observation{SameRepo: true, Changes: diff.DetectChanges(root, previous)}
	upserts, _ := diff.Split(obs.Changes)
	if len(upserts) > 0 {
		if err := s.store.Add(ctx, repo, upserts...); err != nil {
			return Observation{}, err
		}
	}
	if err := prunePending(ctx, s.store, repo, root); err != nil {
		return Observation{}, err
	}
	if len(obs.Changes) == 0 {
		if err := s.store.SaveBaseline(ctx, repo, root); err != nil {
			return Observation{}, err
		}
	}
	if obs.Pending, err = s.store.Load(ctx, repo); err != nil {
		return Observation{}, err
	}
	s.log.Debug("snapshot observed",
		zap.String("repo", repo.String()),
		zap.Int("changes", len(obs.Changes)),
		zap.Int("pending", len(obs.Pending)))
	return obs, nil
}

// Queued rebuilds the changes still owed for root: every deletion since the
// baseline, plus each pending node root still holds. A pending node is Added
// when the baseline lacks it and Updated otherwise.
func (s *Session) Queued(ctx context.Context, repo cachekey.RepoRef, root *tree.RepoNode) ([]diff.Change, error) {
	baseline, err := s.store.LoadBaseline(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	set, err := s.store.Load(ctx, repo)
	if err != nil {
		return nil, err
	}
	var changes []diff.Change
	for _, c := range diff.DetectChanges(root, baseline) {
		if c.Type == diff.Deleted {
			changes = append(changes, c)
		}
	}
	for _, n := range set.Nodes() {
		cur := tree.FindByPath(root, n.Path)
		if cur == nil {
			continue
		}
		typ := diff.Updated
		if tree.FindByPath(baseline, n.Path) == nil {
			typ = diff.Added
		}
		changes = append(changes, diff.Change{Type: typ, Node: cur})
	}
	return changes, nil
}

// Commit makes root the new baseline, once its changes were applied.
func (s *Session) Commit(ctx context.Context, repo cachekey.RepoRef, root *tree.RepoNode) error {
	return s.store.SaveBaseline(ctx, repo, root)
}

// Pending returns the nodes still awaiting re-summarization.
func (s *Session) Pending(ctx context.Context, repo cachekey.RepoRef) (pending.Set, error) {
	return s.store.Load(ctx, repo)
}

// Reset forgets a repository's pending set and baseline.
func (s *Session) Reset(ctx context.Context, repo cachekey.RepoRef) error {
	if err := s.store.Clear(ctx, repo); err != nil {
		return err
	}
	return s.store.SaveBaseline(ctx, repo, nil)
}

// prunePending drops queued nodes that root no longer holds.
func prunePending(ctx context.Context, store pending.Store, repo cachekey.RepoRef, root *tree.RepoNode) error {
	set, err := store.Load(ctx, repo)
	if err != nil {
		return err
	}
	var gone []string
	for _, n := range set.Nodes() {
		if tree.FindByPath(root, n.Path) == nil {
			gone = append(gone, n.Path)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	return store.Remove(ctx, repo, gone...)
}
