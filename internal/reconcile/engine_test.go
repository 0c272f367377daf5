package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repoviz/internal/cache/summary"
	"repoviz/internal/cachekey"
	"repoviz/internal/classify"
	llmclient "repoviz/internal/llmClient"
	"repoviz/internal/summarize"
	"repoviz/internal/tree"
)

var repo = cachekey.RepoRef{Owner: "acme", Repo: "web"}

type fakeSummarizer struct {
	mu       sync.Mutex
	calls    []string
	dirReqs  []summarize.DirectoryRequest
	forced   map[string]bool
	failPath map[string]bool
	onCall   func(path string)
}

func (f *fakeSummarizer) IsSummarizable(name string) bool { return classify.IsSummarizable(name) }

func (f *fakeSummarizer) SummarizeFile(_ context.Context, req summarize.FileRequest) (summary.Record, error) {
	return f.call(req.Path, req.ForceRefresh, "file "+req.Path+": "+req.Content)
}

func (f *fakeSummarizer) SummarizeDirectory(_ context.Context, req summarize.DirectoryRequest) (summary.Record, error) {
	f.mu.Lock()
	f.dirReqs = append(f.dirReqs, req)
	f.mu.Unlock()
	if len(req.Children) == 0 {
		return summary.Record{}, summarize.ErrNoChildSummaries
	}
	return f.call(req.Path, req.ForceRefresh, "dir "+req.Path)
}

func (f *fakeSummarizer) call(path string, force bool, text string) (summary.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	if f.forced == nil {
		f.forced = map[string]bool{}
	}
	f.forced[path] = force
	fail := f.failPath[path]
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(path)
	}
	if fail {
		return summary.Record{}, &summarize.GenerationError{Provider: llmclient.ProviderGroq, Message: "boom"}
	}
	return summary.Record{Summary: text, Provider: "groq"}, nil
}

type fakeContent struct {
	missing map[string]bool
	fetched []string
}

func (c *fakeContent) FetchFileContent(_ context.Context, _ cachekey.RepoRef, path, _ string) (string, error) {
	c.fetched = append(c.fetched, path)
	if c.missing[path] {
		return "", errors.New("404 Not Found")
	}
	return "content of " + path, nil
}

type fakeCache struct {
	loaded  map[string]summary.Record
	deleted []summary.PathKind
	ok      bool
}

func (c *fakeCache) LoadAllCachedSummaries(context.Context, string, string) map[string]summary.Record {
	out := map[string]summary.Record{}
	for k, v := range c.loaded {
		out[k] = v
	}
	return out
}

func (c *fakeCache) BatchDeleteSummaries(_ context.Context, _, _ string, items []summary.PathKind) bool {
	c.deleted = append(c.deleted, items...)
	return c.ok
}

func snapshot() *tree.RepoNode {
	return tree.Build("web", []tree.Entry{
		{Path: "README.md", Kind: tree.KindFile, Size: 10},
		{Path: "src/main.go", Kind: tree.KindFile, Size: 20},
		{Path: "src/util/strings.go", Kind: tree.KindFile, Size: 30},
		{Path: "assets/logo.png", Kind: tree.KindFile, Size: 40},
		{Path: "docs", Kind: tree.KindDirectory},
	})
}

func id(path string) string { return cachekey.NodeID(repo.Owner, repo.Repo, path) }

func request(selected ...string) Request {
	return Request{
		Repo:        repo,
		Root:        snapshot(),
		Selected:    selected,
		Cached:      map[string]summary.Record{},
		Credentials: Credentials{Provider: llmclient.ProviderGroq, APIKey: "k"},
	}
}

func newEngine(s Summarizer, c ContentProvider, cache SummaryCache) *Engine {
	return New(s, c, cache, WithThrottle(Fixed(0)))
}

func TestReconcileFilesBeforeDirectoriesWithMonotonicProgress(t *testing.T) {
	s := &fakeSummarizer{}
	e := newEngine(s, &fakeContent{}, nil)

	var events []Progress
	tally, err := e.Reconcile(context.Background(), request("src", "src/main.go", "src/util/strings.go", "README.md"), func(p Progress) {
		events = append(events, p)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"README.md", "src/main.go", "src/util/strings.go", "src"}, s.calls)
	assert.Equal(t, StateCompleted, tally.State)
	assert.Equal(t, 4, tally.Total)
	assert.Equal(t, 4, tally.Summarized)

	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Processed)
		assert.Equal(t, 4, ev.Total)
	}
	assert.Equal(t, "src", events[3].CurrentPath)
	assert.InDelta(t, 100, events[3].Percent, 0.001)

	// The directory rolls up every summarized descendant, including the
	// nested file produced earlier in the same run.
	require.Len(t, s.dirReqs, 1)
	var paths []string
	for _, c := range s.dirReqs[0].Children {
		paths = append(paths, c.Path)
	}
	assert.ElementsMatch(t, []string{"src/main.go", "src/util/strings.go"}, paths)
}

func TestReconcileSkipsCachedUnlessRefreshed(t *testing.T) {
	s := &fakeSummarizer{}
	content := &fakeContent{}
	e := newEngine(s, content, nil)

	req := request("README.md", "src/main.go")
	req.Cached[id("README.md")] = summary.Record{Summary: "old readme"}
	req.Cached[id("src/main.go")] = summary.Record{Summary: "old main"}
	req.Refresh = []string{"src/main.go"}

	tally, err := e.Reconcile(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main.go"}, s.calls)
	assert.True(t, s.forced["src/main.go"])
	assert.Equal(t, []string{"src/main.go"}, content.fetched)
	assert.Equal(t, 1, tally.Skipped)
	assert.Equal(t, StatusCached, tally.Outcomes[0].Status)
}

func TestReconcileHydratesFromCacheWhenNotGiven(t *testing.T) {
	s := &fakeSummarizer{}
	cache := &fakeCache{loaded: map[string]summary.Record{id("README.md"): {Summary: "x"}}}
	e := newEngine(s, &fakeContent{}, cache)

	req := request("README.md")
	req.Cached = nil
	tally, err := e.Reconcile(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Empty(t, s.calls)
	assert.Equal(t, 1, tally.Skipped)
}

func TestReconcileFailuresAreSkipsAndProgressStillCompletes(t *testing.T) {
	s := &fakeSummarizer{failPath: map[string]bool{"src/main.go": true}}
	content := &fakeContent{missing: map[string]bool{"README.md": true}}
	e := newEngine(s, content, nil)

	var last Progress
	tally, err := e.Reconcile(context.Background(),
		request("README.md", "src/main.go", "assets/logo.png", "docs", "nope.go"),
		func(p Progress) { last = p })
	require.NoError(t, err)

	assert.Equal(t, 4, tally.Total, "unknown paths are ignored")
	assert.Equal(t, 4, last.Processed)
	assert.Equal(t, 2, tally.Failed)
	assert.Len(t, tally.Failures(), 2)

	byPath := map[string]Outcome{}
	for _, o := range tally.Outcomes {
		byPath[o.Path] = o
	}
	assert.Equal(t, StatusUnsummarizable, byPath["assets/logo.png"].Status)
	assert.Equal(t, StatusNoChildren, byPath["docs"].Status)
	assert.True(t, errors.Is(byPath["src/main.go"].Err, summarize.ErrGenerationFailed))
	assert.Contains(t, byPath["README.md"].Error, "404")
	assert.NotContains(t, content.fetched, "assets/logo.png")
}

func TestReconcileDirectoryNeverCallsProviderWithoutChildren(t *testing.T) {
	s := &fakeSummarizer{}
	e := newEngine(s, &fakeContent{}, nil)

	tally, err := e.Reconcile(context.Background(), request("src"), nil)
	require.NoError(t, err)
	assert.Empty(t, s.dirReqs)
	assert.Equal(t, StatusNoChildren, tally.Outcomes[0].Status)
}

func TestReconcileRecoversSelectedDescendants(t *testing.T) {
	// The file fails on its own turn, so the directory finds no summarized
	// children and summarizes the selected file again before rolling up.
	s := &fakeSummarizer{failPath: map[string]bool{"src/util/strings.go": true}}
	s.onCall = func(path string) {
		s.mu.Lock()
		delete(s.failPath, path)
		s.mu.Unlock()
	}
	e := newEngine(s, &fakeContent{}, nil)

	tally, err := e.Reconcile(context.Background(), request("src", "src/util/strings.go"), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, tally.Total)
	assert.Equal(t, 2, tally.Processed)
	assert.Equal(t, StatusFailed, tally.Outcomes[0].Status)
	assert.Equal(t, StatusSummarized, tally.Outcomes[1].Status)
	assert.Equal(t, 1, tally.Recovered)
	assert.Equal(t, []string{"src/util/strings.go", "src/util/strings.go", "src"}, s.calls)
}

func TestReconcileRequiresCredentialsBeforeRunning(t *testing.T) {
	s := &fakeSummarizer{}
	e := newEngine(s, &fakeContent{}, nil)
	req := request("README.md")
	req.Credentials.APIKey = " "

	tally, err := e.Reconcile(context.Background(), req, nil)
	require.ErrorIs(t, err, summarize.ErrMissingCredentials)
	assert.Equal(t, "Groq API key is required", err.Error())
	assert.Equal(t, StateIdle, tally.State)
	assert.Empty(t, s.calls)
}

type rejectingValidator struct{}

func (rejectingValidator) ValidateKey(context.Context, llmclient.Provider, string) error {
	return errors.New("401 Unauthorized")
}

func TestReconcileValidatesKey(t *testing.T) {
	s := &fakeSummarizer{}
	e := New(s, &fakeContent{}, nil, WithThrottle(Fixed(0)), WithValidator(rejectingValidator{}))
	_, err := e.Reconcile(context.Background(), request("README.md"), nil)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "invalid Groq API key"))
	assert.Empty(t, s.calls)
}

func TestReconcileRejectsBadInput(t *testing.T) {
	e := newEngine(&fakeSummarizer{}, &fakeContent{}, nil)
	req := request("README.md")
	req.Repo = cachekey.RepoRef{Owner: "a b", Repo: "web"}
	_, err := e.Reconcile(context.Background(), req, nil)
	assert.ErrorIs(t, err, cachekey.ErrInvalidRepoReference)

	req = request("README.md")
	req.Root = nil
	_, err = e.Reconcile(context.Background(), req, nil)
	assert.ErrorIs(t, err, ErrMissingRoot)
}

func TestReconcileCancellationBetweenItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &fakeSummarizer{onCall: func(path string) {
		if path == "README.md" {
			cancel()
		}
	}}
	e := newEngine(s, &fakeContent{}, nil)

	tally, err := e.Reconcile(ctx, request("README.md", "src/main.go"), nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAborted, tally.State)
	assert.Equal(t, 1, tally.Processed)
	assert.Equal(t, []string{"README.md"}, s.calls)
}

type countingThrottle struct{ n int }

func (c *countingThrottle) Wait(ctx context.Context) error {
	c.n++
	return ctx.Err()
}

func TestReconcileThrottlesBetweenProviderCalls(t *testing.T) {
	th := &countingThrottle{}
	e := New(&fakeSummarizer{}, &fakeContent{}, nil, WithThrottle(th))
	req := request("README.md", "src/main.go", "src/util/strings.go", "assets/logo.png")
	req.Cached[id("README.md")] = summary.Record{Summary: "x"}

	_, err := e.Reconcile(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, th.n, "only the second provider call waits")
}

func TestAdaptiveThrottleUsesLargerOfFloorAndHint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	a := Adaptive{Floor: time.Millisecond, Hint: func() time.Duration { return time.Hour }}
	assert.ErrorIs(t, a.Wait(ctx), context.DeadlineExceeded)

	start := time.Now()
	require.NoError(t, Adaptive{Floor: 0}.Wait(context.Background()))
	require.NoError(t, Fixed(0).Wait(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeleteRemoved(t *testing.T) {
	cache := &fakeCache{ok: true}
	e := newEngine(&fakeSummarizer{}, &fakeContent{}, cache)
	assert.True(t, e.DeleteRemoved(context.Background(), repo, nil))

	ok := e.DeleteRemoved(context.Background(), repo, []*tree.RepoNode{tree.NewFile("a.go", 1), tree.NewDirectory("pkg")})
	assert.True(t, ok)
	assert.Equal(t, []summary.PathKind{{Path: "a.go", Kind: tree.KindFile}, {Path: "pkg", Kind: tree.KindDirectory}}, cache.deleted)

	cache.ok = false
	assert.False(t, e.DeleteRemoved(context.Background(), repo, []*tree.RepoNode{tree.NewFile("b.go", 1)}))
}

func TestStreamEmitsProgressThenTerminalEvent(t *testing.T) {
	e := newEngine(&fakeSummarizer{}, &fakeContent{}, nil)
	ch := Stream(context.Background(), "run-1", func(ctx context.Context, onProgress func(Progress)) (Tally, error) {
		return e.Reconcile(ctx, request("README.md", "src/main.go"), onProgress)
	})
	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, EventProgress, got[0].Type)
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, EventComplete, got[2].Type)
	assert.Equal(t, 2, got[2].Tally.Summarized)

	ch = Stream(context.Background(), "run-2", func(context.Context, func(Progress)) (Tally, error) {
		return Tally{State: StateIdle}, errors.New("nope")
	})
	ev := <-ch
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "nope", ev.Message)
}
