// Package reconcile brings the summary cache up to date with a selection of
// repository nodes, one item at a time, reporting progress as it goes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"repoviz/internal/cache/summary"
	"repoviz/internal/cachekey"
	llmclient "repoviz/internal/llmClient"
	"repoviz/internal/metrics"
	"repoviz/internal/summarize"
	"repoviz/internal/tree"
)

// ErrMissingRoot rejects a request without a snapshot to resolve paths in.
var ErrMissingRoot = errors.New("reconcile: repository snapshot is required")

// Summarizer is the generator surface the engine drives.
type Summarizer interface {
	IsSummarizable(fileName string) bool
	SummarizeFile(ctx context.Context, req summarize.FileRequest) (summary.Record, error)
	SummarizeDirectory(ctx context.Context, req summarize.DirectoryRequest) (summary.Record, error)
}

// ContentProvider returns the raw text of one file at a branch.
type ContentProvider interface {
	FetchFileContent(ctx context.Context, repo cachekey.RepoRef, path, branch string) (string, error)
}

// Validator checks credentials before a run starts.
type Validator interface {
	ValidateKey(ctx context.Context, provider llmclient.Provider, apiKey string) error
}

// SummaryCache is the slice of the summary store used for hydration and
// deletes.
type SummaryCache interface {
	LoadAllCachedSummaries(ctx context.Context, owner, repo string) map[string]summary.Record
	BatchDeleteSummaries(ctx context.Context, owner, repo string, items []summary.PathKind) bool
}

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

type Status string

const (
	StatusSummarized     Status = "summarized"
	StatusCached         Status = "cached"
	StatusUnsummarizable Status = "unsummarizable"
	StatusNoChildren     Status = "no-children"
	StatusFailed         Status = "failed"
)

// Outcome records what happened to one selected node.
type Outcome struct {
	Path   string    `json:"path"`
	Kind   tree.Kind `json:"type"`
	Status Status    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Err    error     `json:"-"`
}

type Progress struct {
	Processed   int     `json:"processed"`
	Total       int     `json:"total"`
	CurrentPath string  `json:"currentPath"`
	Percent     float64 `json:"percent"`
}

// Tally is the result of a run. Recovered counts files summarized on behalf
// of a directory; they are not part of Total.
type Tally struct {
	State      State     `json:"state"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Summarized int       `json:"summarized"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Recovered  int       `json:"recovered"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Failures returns the outcomes that ended in an error.
func (t Tally) Failures() []Outcome {
	var out []Outcome
	for _, o := range t.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

type Credentials struct {
	Provider llmclient.Provider
	APIKey   string
}

// Request describes one run. Selected and Refresh hold paths into Root;
// unknown paths are ignored. Cached maps node ids to summaries the caller
// already holds; when nil the engine loads them from the cache.
type Request struct {
	Repo        cachekey.RepoRef
	Branch      string
	Root        *tree.RepoNode
	Selected    []string
	Refresh     []string
	Cached      map[string]summary.Record
	Credentials Credentials
}

type Engine struct {
	summarizer Summarizer
	content    ContentProvider
	cache      SummaryCache
	validator  Validator
	throttle   Throttle
	log        *zap.Logger
}

type Option func(*Engine)

func WithThrottle(t Throttle) Option   { return func(e *Engine) { e.throttle = t } }
func WithLogger(l *zap.Logger) Option  { return func(e *Engine) { e.log = l } }
func WithValidator(v Validator) Option { return func(e *Engine) { e.validator = v } }

// New wires an engine. cache may be nil when callers always pass Cached.
func New(s Summarizer, content ContentProvider, cache SummaryCache, opts ...Option) *Engine {
	e := &Engine{
		summarizer: s,
		content:    content,
		cache:      cache,
		throttle:   Fixed(DefaultDelay),
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Reconcile processes the selected files, then the selected directories.
// Per-item failures are recorded in the tally and never stop the run; only
// invalid input, bad credentials or ctx cancellation return an error.
func (e *Engine) Reconcile(ctx context.Context, req Request, onProgress func(Progress)) (Tally, error) {
	tally := Tally{State: StateIdle}
	if err := req.Repo.Validate(); err != nil {
		return tally, err
	}
	if req.Root == nil {
		return tally, ErrMissingRoot
	}
	provider := req.Credentials.Provider
	if provider == "" {
		provider = llmclient.ProviderGroq
	}
	if strings.TrimSpace(req.Credentials.APIKey) == "" {
		return tally, summarize.MissingCredentials(provider)
	}
	if e.validator != nil {
		if err := e.validator.ValidateKey(ctx, provider, req.Credentials.APIKey); err != nil {
			return tally, fmt.Errorf("invalid %s API key: %w", provider.DisplayName(), err)
		}
	}

	r := e.newRun(ctx, req, provider, onProgress)
	files, dirs := r.partition()
	tally.Total = len(files) + len(dirs)
	tally.State = StateRunning
	r.tally = &tally

	done := metrics.TrackReconcileRun()
	defer done()
	e.log.Info("reconcile started",
		zap.String("repo", req.Repo.String()),
		zap.Int("files", len(files)),
		zap.Int("directories", len(dirs)))

	for _, n := range files {
		if err := ctx.Err(); err != nil {
			return r.abort(err)
		}
		r.finish(r.file(ctx, n, true))
	}
	for _, n := range dirs {
		if err := ctx.Err(); err != nil {
			return r.abort(err)
		}
		r.finish(r.directory(ctx, n))
	}
	if err := ctx.Err(); err != nil {
		return r.abort(err)
	}

	tally.State = StateCompleted
	e.log.Info("reconcile completed",
		zap.String("repo", req.Repo.String()),
		zap.Int("summarized", tally.Summarized),
		zap.Int("skipped", tally.Skipped),
		zap.Int("failed", tally.Failed))
	return tally, nil
}

// DeleteRemoved drops the summaries of deleted nodes, and the children
// counts of deleted directories. It reports whether every delete succeeded.
func (e *Engine) DeleteRemoved(ctx context.Context, repo cachekey.RepoRef, nodes []*tree.RepoNode) bool {
	if len(nodes) == 0 {
		return true
	}
	if e.cache == nil {
		return false
	}
	items := make([]summary.PathKind, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, summary.PathKind{Path: n.Path, Kind: n.Kind})
	}
	ok := e.cache.BatchDeleteSummaries(ctx, repo.Owner, repo.Repo, items)
	if !ok {
		e.log.Warn("some summaries of removed nodes could not be deleted", zap.String("repo", repo.String()))
	}
	return ok
}

type run struct {
	e          *Engine
	req        Request
	provider   llmclient.Provider
	onProgress func(Progress)
	cached     map[string]summary.Record
	selected   map[string]bool
	refresh    map[string]bool
	called     bool
	tally      *Tally
}

func (e *Engine) newRun(ctx context.Context, req Request, provider llmclient.Provider, onProgress func(Progress)) *run {
	cached := make(map[string]summary.Record, len(req.Cached))
	if req.Cached != nil {
		for id, rec := range req.Cached {
			cached[id] = rec
		}
	} else if e.cache != nil {
		cached = e.cache.LoadAllCachedSummaries(ctx, req.Repo.Owner, req.Repo.Repo)
	}
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	return &run{
		e:          e,
		req:        req,
		provider:   provider,
		onProgress: onProgress,
		cached:     cached,
		selected:   toSet(req.Selected),
		refresh:    toSet(req.Refresh),
	}
}

// partition resolves selected paths, files first, each group in path order.
func (r *run) partition() (files, dirs []*tree.RepoNode) {
	paths := make([]string, 0, len(r.selected))
	for p := range r.selected {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		n := tree.FindByPath(r.req.Root, p)
		switch {
		case n == nil:
			r.e.log.Debug("ignoring unknown selected path", zap.String("path", p))
		case n.IsFile():
			files = append(files, n)
		default:
			dirs = append(dirs, n)
		}
	}
	return files, dirs
}

func (r *run) id(path string) string {
	return cachekey.NodeID(r.req.Repo.Owner, r.req.Repo.Repo, path)
}

func (r *run) finish(o Outcome) {
	t := r.tally
	t.Processed++
	t.Outcomes = append(t.Outcomes, o)
	switch o.Status {
	case StatusSummarized:
		t.Summarized++
	case StatusFailed:
		t.Failed++
	default:
		t.Skipped++
	}
	metrics.RecordReconcileItem(string(o.Kind), string(o.Status))
	r.onProgress(Progress{
		Processed:   t.Processed,
		Total:       t.Total,
		CurrentPath: o.Path,
		Percent:     float64(t.Processed) / float64(t.Total) * 100,
	})
}

func (r *run) abort(err error) (Tally, error) {
	r.tally.State = StateAborted
	r.e.log.Warn("reconcile aborted",
		zap.String("repo", r.req.Repo.String()),
		zap.Int("processed", r.tally.Processed),
		zap.Int("total", r.tally.Total),
		zap.Error(err))
	return *r.tally, err
}

// file summarizes one file. When honorCache is false the caller already
// knows no summary exists.
func (r *run) file(ctx context.Context, n *tree.RepoNode, honorCache bool) Outcome {
	out := Outcome{Path: n.Path, Kind: tree.KindFile}
	force := r.refresh[n.Path]
	if _, ok := r.cached[r.id(n.Path)]; ok && honorCache && !force {
		out.Status = StatusCached
		return out
	}
	if !r.e.summarizer.IsSummarizable(n.Name) {
		out.Status = StatusUnsummarizable
		return out
	}
	if err := r.wait(ctx); err != nil {
		return r.fail(out, err)
	}
	content, err := r.e.content.FetchFileContent(ctx, r.req.Repo, n.Path, r.req.Branch)
	if err != nil {
		return r.fail(out, err)
	}
	rec, err := r.e.summarizer.SummarizeFile(ctx, summarize.FileRequest{
		Content:      content,
		FileName:     n.Name,
		APIKey:       r.req.Credentials.APIKey,
		Provider:     r.provider,
		Owner:        r.req.Repo.Owner,
		Repo:         r.req.Repo.Repo,
		Path:         n.Path,
		ForceRefresh: force,
	})
	r.called = r.called || !rec.FromCache || err != nil
	if err != nil {
		return r.fail(out, err)
	}
	r.cached[r.id(n.Path)] = rec
	out.Status = StatusSummarized
	return out
}

func (r *run) directory(ctx context.Context, n *tree.RepoNode) Outcome {
	out := Outcome{Path: n.Path, Kind: tree.KindDirectory}
	force := r.refresh[n.Path]
	if _, ok := r.cached[r.id(n.Path)]; ok && !force {
		out.Status = StatusCached
		return out
	}

	children := r.childSummaries(n)
	if len(children) == 0 {
		r.recover(ctx, n)
		if err := ctx.Err(); err != nil {
			return r.fail(out, err)
		}
		children = r.childSummaries(n)
	}
	if len(children) == 0 {
		r.e.log.Info("skipping directory without summarized children", zap.String("path", n.Path))
		out.Status = StatusNoChildren
		return out
	}

	if err := r.wait(ctx); err != nil {
		return r.fail(out, err)
	}
	rec, err := r.e.summarizer.SummarizeDirectory(ctx, summarize.DirectoryRequest{
		Name:         n.Name,
		Path:         n.Path,
		Children:     children,
		APIKey:       r.req.Credentials.APIKey,
		Provider:     r.provider,
		Owner:        r.req.Repo.Owner,
		Repo:         r.req.Repo.Repo,
		ForceRefresh: force,
	})
	r.called = r.called || !rec.FromCache || err != nil
	if err != nil {
		return r.fail(out, err)
	}
	r.cached[r.id(n.Path)] = rec
	out.Status = StatusSummarized
	return out
}

// childSummaries collects every summarized descendant of n, depth-first.
func (r *run) childSummaries(n *tree.RepoNode) []summarize.NodeSummary {
	var out []summarize.NodeSummary
	tree.ForEachDescendant(n, func(c *tree.RepoNode) {
		if rec, ok := r.cached[r.id(c.Path)]; ok {
			out = append(out, summarize.NodeSummary{Kind: c.Kind, Name: c.Name, Path: c.Path, Summary: rec.Summary})
		}
	})
	return out
}

// recover summarizes selected file descendants of n that lack a summary.
// These calls do not advance progress.
func (r *run) recover(ctx context.Context, n *tree.RepoNode) {
	var pending []*tree.RepoNode
	tree.ForEachDescendant(n, func(c *tree.RepoNode) {
		if c.IsFile() && r.selected[c.Path] && r.e.summarizer.IsSummarizable(c.Name) {
			if _, ok := r.cached[r.id(c.Path)]; !ok {
				pending = append(pending, c)
			}
		}
	})
	for _, c := range pending {
		if ctx.Err() != nil {
			return
		}
		if o := r.file(ctx, c, false); o.Status == StatusSummarized {
			r.tally.Recovered++
		}
	}
}

// wait applies the throttle between provider calls.
func (r *run) wait(ctx context.Context) error {
	if !r.called {
		return ctx.Err()
	}
	start := time.Now()
	if err := r.e.throttle.Wait(ctx); err != nil {
		return err
	}
	r.called = false
	r.e.log.Debug("throttled", zap.Duration("waited", time.Since(start)))
	return nil
}

func (r *run) fail(out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Err = err
	out.Error = err.Error()
	r.e.log.Warn("failed to summarize node",
		zap.String("repo", r.req.Repo.String()),
		zap.String("path", out.Path),
		zap.String("type", string(out.Kind)),
		zap.Error(err))
	return out
}

func toSet(paths []string) map[string]bool {
	out := make(map[string]bool, len(paths))
	for _, p := range paths {
		out[strings.Trim(p, "/")] = true
	}
	return out
}
