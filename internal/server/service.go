package server

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"repoviz/internal/cache/summary"
	"repoviz/internal/cachekey"
	"repoviz/internal/diff"
	"repoviz/internal/github"
	llmclient "repoviz/internal/llmClient"
	"repoviz/internal/logging"
	"repoviz/internal/pending"
	"repoviz/internal/reconcile"
	"repoviz/internal/summarize"
	"repoviz/internal/tree"
)

// ServiceName is the connect service path prefix.
const ServiceName = "repoviz.v1.SummaryService"

type Deps struct {
	Generator *summarize.Generator
	Store     *summary.Store
	GitHub    *github.Client
	Pending   pending.Store
	// Keys supplies a server-side key when a request carries none.
	Keys          func(provider string) string
	EngineOptions []reconcile.Option
	// Throttle, when set, picks the pacing of each run from its
	// credentials.
	Throttle func(provider llmclient.Provider, apiKey string) reconcile.Throttle
	Log      *zap.Logger
}

// SummaryService implements every RPC of ServiceName.
type SummaryService struct {
	gen      *summarize.Generator
	store    *summary.Store
	github   *github.Client
	pending  pending.Store
	session  *reconcile.Session
	keys     func(string) string
	engOpts  []reconcile.Option
	throttle func(llmclient.Provider, string) reconcile.Throttle
	log      *zap.Logger
}

func NewSummaryService(d Deps) *SummaryService {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	keys := d.Keys
	if keys == nil {
		keys = func(string) string { return "" }
	}
	gh := d.GitHub
	if gh == nil {
		gh = github.NewClient(github.Options{})
	}
	ps := d.Pending
	if ps == nil {
		ps = pending.NewMemoryStore()
	}
	return &SummaryService{
		gen:      d.Generator,
		store:    d.Store,
		github:   gh,
		pending:  ps,
		session:  reconcile.NewSession(ps, log),
		keys:     keys,
		engOpts:  d.EngineOptions,
		throttle: d.Throttle,
		log:      log,
	}
}

func (s *SummaryService) IsSummarizable(_ context.Context, req *connect.Request[IsSummarizableRequest]) (*connect.Response[IsSummarizableResponse], error) {
	return connect.NewResponse(&IsSummarizableResponse{Summarizable: s.gen.IsSummarizable(req.Msg.FileName)}), nil
}

func (s *SummaryService) SummarizeFile(ctx context.Context, req *connect.Request[SummarizeFileRequest]) (*connect.Response[SummaryResponse], error) {
	in := req.Msg
	creds := s.credentials(req.Header(), in.Credentials)
	name := in.FileName
	if name == "" {
		name = path.Base(in.Path)
	}
	content := in.Content
	if content == "" && in.Path != "" && s.gen.IsSummarizable(name) {
		repo := cachekey.RepoRef{Owner: in.Owner, Repo: in.Repo}
		if err := repo.Validate(); err != nil {
			return nil, toConnectError(err)
		}
		text, err := s.content(creds).FetchFileContent(ctx, repo, in.Path, in.Branch)
		if err != nil {
			return nil, toConnectError(err)
		}
		content = text
	}
	rec, err := s.gen.SummarizeFile(ctx, summarize.FileRequest{
		Content:      content,
		FileName:     name,
		APIKey:       creds.APIKey,
		Provider:     llmclient.Provider(creds.Provider),
		Owner:        in.Owner,
		Repo:         in.Repo,
		Path:         in.Path,
		ForceRefresh: in.ForceRefresh,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(toSummaryResponse(rec)), nil
}

func (s *SummaryService) SummarizeDirectory(ctx context.Context, req *connect.Request[SummarizeDirectoryRequest]) (*connect.Response[SummaryResponse], error) {
	in := req.Msg
	creds := s.credentials(req.Header(), in.Credentials)
	rec, err := s.gen.SummarizeDirectory(ctx, summarize.DirectoryRequest{
		Name:         in.Name,
		Path:         in.Path,
		Children:     in.Children,
		APIKey:       creds.APIKey,
		Provider:     llmclient.Provider(creds.Provider),
		Owner:        in.Owner,
		Repo:         in.Repo,
		ForceRefresh: in.ForceRefresh,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(toSummaryResponse(rec)), nil
}

func (s *SummaryService) LoadSummaries(ctx context.Context, req *connect.Request[RepoRequest]) (*connect.Response[LoadSummariesResponse], error) {
	if err := validRepo(*req.Msg); err != nil {
		return nil, toConnectError(err)
	}
	recs := s.store.LoadAllCachedSummaries(ctx, req.Msg.Owner, req.Msg.Repo)
	out := make(map[string]SummaryResponse, len(recs))
	for id, r := range recs {
		out[id] = *toSummaryResponse(r)
	}
	return connect.NewResponse(&LoadSummariesResponse{Summaries: out}), nil
}

func (s *SummaryService) LoadChildrenCounts(ctx context.Context, req *connect.Request[RepoRequest]) (*connect.Response[LoadChildrenCountsResponse], error) {
	if err := validRepo(*req.Msg); err != nil {
		return nil, toConnectError(err)
	}
	counts := s.store.LoadAllChildrenCounts(ctx, req.Msg.Owner, req.Msg.Repo)
	return connect.NewResponse(&LoadChildrenCountsResponse{Counts: counts}), nil
}

func (s *SummaryService) DeleteSummary(ctx context.Context, req *connect.Request[DeleteSummaryRequest]) (*connect.Response[DeleteResponse], error) {
	in := req.Msg
	if err := validRepo(in.RepoRequest); err != nil {
		return nil, toConnectError(err)
	}
	if !in.Kind.Valid() {
		return nil, toConnectError(fmt.Errorf("%w: type must be file or directory", errMissingField))
	}
	ok := s.store.DeleteSummary(ctx, in.Owner, in.Repo, in.Path, in.Kind)
	return connect.NewResponse(&DeleteResponse{OK: ok}), nil
}

func (s *SummaryService) BatchDeleteSummaries(ctx context.Context, req *connect.Request[BatchDeleteSummariesRequest]) (*connect.Response[DeleteResponse], error) {
	in := req.Msg
	if err := validRepo(in.RepoRequest); err != nil {
		return nil, toConnectError(err)
	}
	ok := s.store.BatchDeleteSummaries(ctx, in.Owner, in.Repo, in.Items)
	return connect.NewResponse(&DeleteResponse{OK: ok}), nil
}

func (s *SummaryService) DetectChanges(_ context.Context, req *connect.Request[DetectChangesRequest]) (*connect.Response[DetectChangesResponse], error) {
	in := req.Msg
	changes := diff.DetectChanges(in.Current, in.Previous)
	out := &DetectChangesResponse{Changes: changes, Counts: diff.Counts(changes)}
	if out.Changes == nil {
		out.Changes = []diff.Change{}
	}
	if in.Unified && in.Current != nil && in.Previous != nil {
		u, err := diff.Render(in.Current, in.Previous, 1)
		if err != nil {
			return nil, toConnectError(err)
		}
		out.Unified = u
	}
	return connect.NewResponse(out), nil
}

func (s *SummaryService) CacheStats(ctx context.Context, req *connect.Request[RepoRequest]) (*connect.Response[CacheStatsResponse], error) {
	st, err := s.store.Stats(ctx, req.Msg.Owner, req.Msg.Repo)
	if err != nil {
		if summary.IsUnavailable(err) {
			return nil, connect.NewError(connect.CodeUnavailable, err)
		}
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&CacheStatsResponse{Stats: st, Local: s.store.Metrics()}), nil
}

func (s *SummaryService) Ask(ctx context.Context, req *connect.Request[AskRequest]) (*connect.Response[AskResponse], error) {
	in := req.Msg
	creds := s.credentials(req.Header(), in.Credentials)
	summaries := in.Summaries
	if len(summaries) == 0 {
		if err := validRepo(in.RepoRequest); err != nil {
			return nil, toConnectError(err)
		}
		loaded, err := summarize.CachedSummaries(ctx, s.store, cachekey.RepoRef{Owner: in.Owner, Repo: in.Repo})
		if err != nil {
			return nil, toConnectError(err)
		}
		summaries = loaded
	}
	answer, err := s.gen.Ask(ctx, summarize.AskRequest{
		Question:  in.Question,
		Summaries: summaries,
		APIKey:    creds.APIKey,
		Provider:  llmclient.Provider(creds.Provider),
		Owner:     in.Owner,
		Repo:      in.Repo,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&AskResponse{Answer: answer}), nil
}

// Reconcile streams progress events, then one complete or error event.
func (s *SummaryService) Reconcile(ctx context.Context, req *connect.Request[ReconcileRequest], stream *connect.ServerStream[reconcile.Event]) error {
	runID := uuid.NewString()
	stream.ResponseHeader().Set("X-Run-ID", runID)
	events, err := s.startReconcile(ctx, runID, req.Header(), *req.Msg)
	if err != nil {
		return toConnectError(err)
	}
	for ev := range events {
		if err := stream.Send(&ev); err != nil {
			return connect.NewError(connect.CodeInternal, fmt.Errorf("failed to send event: %w", err))
		}
	}
	return nil
}

// startReconcile resolves the snapshot and credentials, then runs the
// engine in the background.
func (s *SummaryService) startReconcile(ctx context.Context, runID string, h http.Header, in ReconcileRequest) (<-chan reconcile.Event, error) {
	creds := s.credentials(h, in.Credentials)
	repo := cachekey.RepoRef{Owner: in.Owner, Repo: in.Repo}
	if err := repo.Validate(); err != nil {
		return nil, err
	}
	root, branch, err := s.snapshot(ctx, repo, creds, in.Branch, in.Tree)
	if err != nil {
		return nil, err
	}
	engine := s.engine(creds)
	log := logging.FromContext(ctx, s.log).With(zap.String("run_id", runID), zap.String("repo", repo.String()))
	log.Info("reconcile requested", zap.Int("selected", len(in.Selected)), zap.Int("refresh", len(in.Refresh)))

	req := reconcile.Request{
		Repo:     repo,
		Branch:   branch,
		Root:     root,
		Selected: in.Selected,
		Refresh:  in.Refresh,
		Credentials: reconcile.Credentials{
			Provider: llmclient.Provider(creds.Provider),
			APIKey:   creds.APIKey,
		},
	}
	return reconcile.Stream(ctx, runID, func(ctx context.Context, onProgress func(reconcile.Progress)) (reconcile.Tally, error) {
		return engine.Reconcile(ctx, req, onProgress)
	}), nil
}

func (s *SummaryService) ObserveSnapshot(ctx context.Context, req *connect.Request[ObserveSnapshotRequest]) (*connect.Response[ObserveSnapshotResponse], error) {
	in := req.Msg
	creds := s.credentials(req.Header(), in.Credentials)
	repo := cachekey.RepoRef{Owner: in.Owner, Repo: in.Repo}
	if err := repo.Validate(); err != nil {
		return nil, toConnectError(err)
	}
	root, branch, err := s.snapshot(ctx, repo, creds, in.Branch, in.Tree)
	if err != nil {
		return nil, toConnectError(err)
	}
	obs, err := s.session.Observe(ctx, repo, root)
	if err != nil {
		return nil, toConnectError(err)
	}
	out := &ObserveSnapshotResponse{SameRepo: obs.SameRepo, Branch: branch, Changes: obs.Changes, Pending: obs.Pending.Nodes()}
	if out.Changes == nil {
		out.Changes = []diff.Change{}
	}
	return connect.NewResponse(out), nil
}

func (s *SummaryService) ApplyChanges(ctx context.Context, req *connect.Request[ApplyChangesRequest]) (*connect.Response[TallyResponse], error) {
	in := req.Msg
	creds := s.credentials(req.Header(), in.Credentials)
	repo := cachekey.RepoRef{Owner: in.Owner, Repo: in.Repo}
	if err := repo.Validate(); err != nil {
		return nil, toConnectError(err)
	}
	root, branch, err := s.snapshot(ctx, repo, creds, in.Branch, in.Tree)
	if err != nil {
		return nil, toConnectError(err)
	}
	changes := in.Changes
	if len(changes) == 0 {
		if changes, err = s.session.Queued(ctx, repo, root); err != nil {
			return nil, toConnectError(err)
		}
	}

	runID := uuid.NewString()
	tally, err := s.engine(creds).ApplyChanges(ctx, reconcile.Request{
		Repo:   repo,
		Branch: branch,
		Root:   root,
		Credentials: reconcile.Credentials{
			Provider: llmclient.Provider(creds.Provider),
			APIKey:   creds.APIKey,
		},
	}, changes, s.pending, nil)
	if err != nil {
		return nil, toConnectError(err)
	}
	if left, err := s.pending.Load(ctx, repo); err == nil && len(left) == 0 {
		if err := s.session.Commit(ctx, repo, root); err != nil {
			s.log.Warn("failed to advance baseline", zap.String("repo", repo.String()), zap.Error(err))
		}
	}
	res := connect.NewResponse(&TallyResponse{RunID: runID, Tally: tally})
	res.Header().Set("X-Run-ID", runID)
	return res, nil
}

func (s *SummaryService) engine(creds Credentials) *reconcile.Engine {
	opts := append([]reconcile.Option{
		reconcile.WithLogger(s.log),
		reconcile.WithValidator(s.gen),
	}, s.engOpts...)
	if s.throttle != nil {
		opts = append(opts, reconcile.WithThrottle(s.throttle(llmclient.Provider(creds.Provider), creds.APIKey)))
	}
	return reconcile.New(s.gen, s.content(creds), s.store, opts...)
}

func (s *SummaryService) content(creds Credentials) *github.Client {
	if creds.GitHubToken != "" {
		return s.github.WithToken(creds.GitHubToken)
	}
	return s.github
}

// snapshot returns the given tree, or fetches the GitHub tree of branch.
func (s *SummaryService) snapshot(ctx context.Context, repo cachekey.RepoRef, creds Credentials, branch string, root *tree.RepoNode) (*tree.RepoNode, string, error) {
	if root != nil {
		if err := tree.Validate(root); err != nil {
			return nil, "", fmt.Errorf("%w: %v", errMissingField, err)
		}
		return root, branch, nil
	}
	snap, err := s.content(creds).FetchTree(ctx, repo, branch)
	if err != nil {
		return nil, "", err
	}
	if snap.Truncated {
		s.log.Warn("github tree was truncated", zap.String("repo", repo.String()))
	}
	return snap.Root, snap.Branch, nil
}

func (s *SummaryService) credentials(h http.Header, c Credentials) Credentials {
	if v := strings.TrimSpace(h.Get("X-LLM-API-Key")); v != "" {
		c.APIKey = v
	}
	if v := strings.TrimSpace(h.Get("X-GitHub-Token")); v != "" {
		c.GitHubToken = v
	}
	if v := strings.TrimSpace(h.Get("X-LLM-Provider")); v != "" {
		c.Provider = v
	}
	if c.Provider == "" {
		c.Provider = string(llmclient.ProviderGroq)
	}
	if c.APIKey == "" {
		c.APIKey = s.keys(c.Provider)
	}
	return c
}

func validRepo(r RepoRequest) error {
	return cachekey.RepoRef{Owner: r.Owner, Repo: r.Repo}.Validate()
}
