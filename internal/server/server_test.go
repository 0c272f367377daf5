package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repoviz/internal/cache/summary"
	"repoviz/internal/github"
	llmclient "repoviz/internal/llmClient"
	"repoviz/internal/reconcile"
	"repoviz/internal/repository/kv"
	"repoviz/internal/summarize"
	"repoviz/internal/tree"
)

type echoLLM struct {
	mu    sync.Mutex
	calls int
}

func (e *echoLLM) Name() string { return "echo" }
func (e *echoLLM) Close() error { return nil }
func (e *echoLLM) Complete(_ context.Context, _, user string, _ llmclient.CompletionOptions) (string, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if i := strings.Index(user, "\n"); i > 0 {
		user = user[:i]
	}
	return "summary of " + user, nil
}

func (e *echoLLM) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// repoFiles are the blobs the fake GitHub serves contents for.
var repoFiles = map[string]bool{"README.md": true, "src/main.go": true, "src/util.go": true}

type fixture struct {
	url   string
	llm   *echoLLM
	store *summary.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/acme/web":
			_, _ = w.Write([]byte(`{"default_branch":"main"}`))
		case strings.HasPrefix(r.URL.Path, "/repos/acme/web/git/trees/main"):
			_, _ = w.Write([]byte(`{"tree":[
				{"path":"src","type":"tree"},
				{"path":"src/main.go","type":"blob","size":20},
				{"path":"README.md","type":"blob","size":10}
			],"truncated":false}`))
		case strings.HasPrefix(r.URL.Path, "/repos/acme/web/contents/"):
			name := strings.TrimPrefix(r.URL.Path, "/repos/acme/web/contents/")
			if !repoFiles[name] {
				http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte("package main // " + name))
		default:
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
		}
	}))
	t.Cleanup(gh.Close)

	llm := &echoLLM{}
	store := summary.NewStore(kv.NewMemoryStore(0), nil, summary.DefaultCacheConfig())
	gen := summarize.New(store, func(context.Context, llmclient.Provider, string) (llmclient.LLMClient, error) {
		return llm, nil
	}, summarize.Config{})
	svc := NewSummaryService(Deps{
		Generator:     gen,
		Store:         store,
		GitHub:        github.NewClient(github.Options{BaseURL: gh.URL}),
		Keys:          func(string) string { return "server-key" },
		EngineOptions: []reconcile.Option{reconcile.WithThrottle(reconcile.Fixed(0))},
	})
	srv := httptest.NewServer(NewMux(svc, nil))
	t.Cleanup(srv.Close)
	return &fixture{url: srv.URL, llm: llm, store: store}
}

func (f *fixture) post(t *testing.T, method string, body any, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.url+Procedure(method), "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSummarizeFileFetchesContentAndCaches(t *testing.T) {
	f := newFixture(t)
	req := map[string]any{"owner": "acme", "repo": "web", "path": "src/main.go"}

	var first, second SummaryResponse
	require.Equal(t, http.StatusOK, f.post(t, "SummarizeFile", req, &first))
	require.Equal(t, http.StatusOK, f.post(t, "SummarizeFile", req, &second))

	assert.False(t, first.FromCache)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, 1, f.llm.count())

	var loaded LoadSummariesResponse
	require.Equal(t, http.StatusOK, f.post(t, "LoadSummaries", RepoRequest{Owner: "acme", Repo: "web"}, &loaded))
	assert.Contains(t, loaded.Summaries, "acme/web:src/main.go")
}

func TestErrorsMapToConnectCodes(t *testing.T) {
	f := newFixture(t)
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	status := f.post(t, "SummarizeFile", map[string]any{"owner": "acme", "repo": "web", "path": "logo.png", "content": "x"}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_argument", body.Code)

	status = f.post(t, "SummarizeFile", map[string]any{"owner": "acme", "repo": "web", "path": "gone.go"}, &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body.Code)

	status = f.post(t, "LoadSummaries", RepoRequest{Owner: "bad owner", Repo: "web"}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDetectChangesAndDeletes(t *testing.T) {
	f := newFixture(t)
	prev := tree.Build("web", []tree.Entry{{Path: "main.py", Kind: tree.KindFile, Size: 120}})
	cur := tree.Build("web", []tree.Entry{{Path: "main.py", Kind: tree.KindFile, Size: 150}})

	var out DetectChangesResponse
	require.Equal(t, http.StatusOK, f.post(t, "DetectChanges", DetectChangesRequest{Current: cur, Previous: prev, Unified: true}, &out))
	require.Len(t, out.Changes, 1)
	assert.Equal(t, "main.py", out.Changes[0].Node.Path)
	assert.Contains(t, out.Unified, "+main.py 150")

	var del DeleteResponse
	require.Equal(t, http.StatusOK, f.post(t, "DeleteSummary", DeleteSummaryRequest{RepoRequest: RepoRequest{Owner: "acme", Repo: "web"}, Path: "nope.go", Kind: tree.KindFile}, &del))
	assert.True(t, del.OK, "deleting a missing key is not an error")

	require.Equal(t, http.StatusOK, f.post(t, "BatchDeleteSummaries", BatchDeleteSummariesRequest{
		RepoRequest: RepoRequest{Owner: "acme", Repo: "web"},
		Items:       []summary.PathKind{{Path: "a.go", Kind: tree.KindFile}, {Path: "pkg", Kind: tree.KindDirectory}},
	}, &del))
	assert.True(t, del.OK)
}

func TestIsSummarizable(t *testing.T) {
	f := newFixture(t)
	var out IsSummarizableResponse
	f.post(t, "IsSummarizable", IsSummarizableRequest{FileName: "Makefile"}, &out)
	assert.True(t, out.Summarizable)
	f.post(t, "IsSummarizable", IsSummarizableRequest{FileName: "photo.png"}, &out)
	assert.False(t, out.Summarizable)
}

func TestReconcileStream(t *testing.T) {
	f := newFixture(t)
	client := connect.NewClient[ReconcileRequest, reconcile.Event](http.DefaultClient, f.url+Procedure("Reconcile"), connect.WithCodec(jsonCodec{}))

	stream, err := client.CallServerStream(context.Background(), connect.NewRequest(&ReconcileRequest{
		RepoRequest: RepoRequest{Owner: "acme", Repo: "web"},
		Selected:    []string{"src", "src/main.go", "README.md"},
	}))
	require.NoError(t, err)
	defer stream.Close()

	var events []reconcile.Event
	for stream.Receive() {
		events = append(events, *stream.Msg())
	}
	require.NoError(t, stream.Err())
	require.Len(t, events, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, reconcile.EventProgress, events[i].Type)
		assert.Equal(t, i+1, events[i].Progress.Processed)
	}
	last := events[3]
	assert.Equal(t, reconcile.EventComplete, last.Type)
	assert.Equal(t, 3, last.Tally.Summarized)
	assert.NotEmpty(t, last.RunID)
	assert.NotEmpty(t, stream.ResponseHeader().Get("X-Run-ID"))

	var stats CacheStatsResponse
	require.Equal(t, http.StatusOK, f.post(t, "CacheStats", RepoRequest{Owner: "acme", Repo: "web"}, &stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Directories)
	assert.Equal(t, 1, stats.Children)
}

func TestObserveAndApplyChanges(t *testing.T) {
	f := newFixture(t)
	repo := RepoRequest{Owner: "acme", Repo: "web"}
	base := tree.Build("web", []tree.Entry{{Path: "README.md", Kind: tree.KindFile, Size: 10}})
	next := tree.Build("web", []tree.Entry{
		{Path: "README.md", Kind: tree.KindFile, Size: 12},
		{Path: "src/main.go", Kind: tree.KindFile, Size: 20},
	})

	var obs ObserveSnapshotResponse
	require.Equal(t, http.StatusOK, f.post(t, "ObserveSnapshot", ObserveSnapshotRequest{RepoRequest: repo, Tree: base}, &obs))
	assert.False(t, obs.SameRepo)

	require.Equal(t, http.StatusOK, f.post(t, "ObserveSnapshot", ObserveSnapshotRequest{RepoRequest: repo, Tree: next}, &obs))
	assert.True(t, obs.SameRepo)
	assert.Len(t, obs.Pending, 3, "README.md, src and src/main.go")

	var applied TallyResponse
	require.Equal(t, http.StatusOK, f.post(t, "ApplyChanges", ApplyChangesRequest{ReconcileRequest: ReconcileRequest{RepoRequest: repo, Tree: next}}, &applied))
	assert.Equal(t, 3, applied.Tally.Total)
	assert.Equal(t, 0, applied.Tally.Failed)

	require.Equal(t, http.StatusOK, f.post(t, "ObserveSnapshot", ObserveSnapshotRequest{RepoRequest: repo, Tree: next}, &obs))
	assert.Empty(t, obs.Changes, "the baseline advanced once nothing was pending")
	assert.Empty(t, obs.Pending)
}

func TestApplyChangesFromQueueDeletesRemovedSummaries(t *testing.T) {
	f := newFixture(t)
	repo := RepoRequest{Owner: "acme", Repo: "web"}
	require.Equal(t, http.StatusOK, f.post(t, "SummarizeFile", map[string]any{"owner": "acme", "repo": "web", "path": "src/util.go"}, nil))

	base := tree.Build("web", []tree.Entry{
		{Path: "README.md", Kind: tree.KindFile, Size: 10},
		{Path: "src/main.go", Kind: tree.KindFile, Size: 20},
		{Path: "src/util.go", Kind: tree.KindFile, Size: 5},
	})
	next := tree.Build("web", []tree.Entry{
		{Path: "README.md", Kind: tree.KindFile, Size: 12},
		{Path: "src/main.go", Kind: tree.KindFile, Size: 20},
	})

	var obs ObserveSnapshotResponse
	require.Equal(t, http.StatusOK, f.post(t, "ObserveSnapshot", ObserveSnapshotRequest{RepoRequest: repo, Tree: base}, &obs))
	require.Equal(t, http.StatusOK, f.post(t, "ObserveSnapshot", ObserveSnapshotRequest{RepoRequest: repo, Tree: next}, &obs))
	require.Len(t, obs.Pending, 1)
	assert.Equal(t, "README.md", obs.Pending[0].Path)

	var applied TallyResponse
	require.Equal(t, http.StatusOK, f.post(t, "ApplyChanges", ApplyChangesRequest{ReconcileRequest: ReconcileRequest{RepoRequest: repo, Tree: next}}, &applied))
	assert.Equal(t, 0, applied.Tally.Failed)

	var loaded LoadSummariesResponse
	require.Equal(t, http.StatusOK, f.post(t, "LoadSummaries", repo, &loaded))
	assert.NotContains(t, loaded.Summaries, "acme/web:src/util.go")
	assert.Contains(t, loaded.Summaries, "acme/web:README.md")

	require.Equal(t, http.StatusOK, f.post(t, "ObserveSnapshot", ObserveSnapshotRequest{RepoRequest: repo, Tree: next}, &obs))
	assert.Empty(t, obs.Changes)
	assert.Empty(t, obs.Pending)
}

func TestAskUsesCachedSummaries(t *testing.T) {
	f := newFixture(t)
	f.post(t, "SummarizeFile", map[string]any{"owner": "acme", "repo": "web", "path": "README.md"}, nil)

	var out AskResponse
	require.Equal(t, http.StatusOK, f.post(t, "Ask", AskRequest{RepoRequest: RepoRequest{Owner: "acme", Repo: "web"}, Question: "what is this?"}, &out))
	assert.True(t, strings.HasPrefix(out.Answer, "summary of "))
}

func TestReconcileWebsocket(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.url, "http") + "/ws/reconcile"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	var msg reconcileWSOutbound
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "start",
		"request": ReconcileRequest{RepoRequest: RepoRequest{Owner: "acme", Repo: "web"}, Selected: []string{"README.md"}},
	}))
	var types []string
	for {
		var out reconcileWSOutbound
		require.NoError(t, conn.ReadJSON(&out))
		types = append(types, out.Type)
		if out.Type == "complete" || out.Type == "error" {
			break
		}
	}
	assert.Equal(t, []string{"started", "progress", "complete"}, types)
}
