package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repoviz/internal/cache/summary"
	"repoviz/internal/cachekey"
	llmclient "repoviz/internal/llmClient"
	"repoviz/internal/repository/kv"
	"repoviz/internal/tree"
)

type fakeLLM struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	opts    []llmclient.CompletionOptions
	reply   func(n int) (string, error)
}

func (f *fakeLLM) Name() string { return "fake" }
func (f *fakeLLM) Close() error { return nil }
func (f *fakeLLM) Complete(ctx context.Context, system, user string, opts llmclient.CompletionOptions) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.prompts = append(f.prompts, user)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(n)
	}
	return fmt.Sprintf("summary #%d", n), nil
}

type harness struct {
	gen       *Generator
	llm       *fakeLLM
	store     *summary.Store
	factories int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{llm: &fakeLLM{}}
	h.store = summary.NewStore(kv.NewMemoryStore(0), nil, summary.CacheConfig{})
	factory := func(ctx context.Context, p llmclient.Provider, key string) (llmclient.LLMClient, error) {
		h.factories++
		return h.llm, nil
	}
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h.gen = New(h.store, factory, Config{MaxContentBytes: 64}, WithClock(func() time.Time { return fixed }))
	t.Cleanup(h.gen.Close)
	return h
}

func fileReq() FileRequest {
	return FileRequest{
		Content:  "package main\nfunc main() {}\n",
		FileName: "main.go",
		APIKey:   "gsk",
		Provider: llmclient.ProviderGroq,
		Owner:    "octo",
		Repo:     "hello",
		Path:     "cmd/main.go",
	}
}

func TestSummarizeFileIsIdempotentWithoutRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.gen.SummarizeFile(ctx, fileReq())
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, "groq", first.Provider)

	second, err := h.gen.SummarizeFile(ctx, fileReq())
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, 1, h.llm.calls)
}

func TestSummarizeFileForceRefreshAlwaysGenerates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.gen.SummarizeFile(ctx, fileReq())
	require.NoError(t, err)

	req := fileReq()
	req.ForceRefresh = true
	out, err := h.gen.SummarizeFile(ctx, req)
	require.NoError(t, err)
	assert.False(t, out.FromCache)
	assert.Equal(t, "summary #2", out.Summary)

	cached, ok, err := h.store.GetSummary(ctx, cachekey.NewSummaryKey("octo", "hello", "cmd/main.go", tree.KindFile))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "summary #2", cached.Summary, "refresh overwrites the cache")
}

func TestSummarizeFileMissingCredentialsBeforeNetwork(t *testing.T) {
	h := newHarness(t)
	req := fileReq()
	req.APIKey = ""
	_, err := h.gen.SummarizeFile(context.Background(), req)
	assert.ErrorIs(t, err, ErrMissingCredentials)
	assert.Contains(t, err.Error(), "Groq API key is required")
	assert.Equal(t, 0, h.factories)
	assert.Equal(t, 0, h.llm.calls)
}

func TestSummarizeFileRejectsUnsummarizable(t *testing.T) {
	h := newHarness(t)
	req := fileReq()
	req.FileName = "photo.png"
	_, err := h.gen.SummarizeFile(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnsummarizable)
	assert.Equal(t, 0, h.llm.calls)
}

func TestSummarizeFileWithoutRepoContextSkipsCache(t *testing.T) {
	h := newHarness(t)
	req := fileReq()
	req.Owner = ""
	for i := 0; i < 2; i++ {
		out, err := h.gen.SummarizeFile(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, out.FromCache)
	}
	assert.Equal(t, 2, h.llm.calls)
}

func TestSummarizeFileInvalidRepoReference(t *testing.T) {
	h := newHarness(t)
	req := fileReq()
	req.Owner = "oc/to"
	_, err := h.gen.SummarizeFile(context.Background(), req)
	assert.ErrorIs(t, err, cachekey.ErrInvalidRepoReference)
}

func TestSummarizeFileColonPathGeneratesUncached(t *testing.T) {
	h := newHarness(t)
	req := fileReq()
	req.Path = "docs/a:b.md"
	req.FileName = "a:b.md"
	_, err := h.gen.SummarizeFile(context.Background(), req)
	require.NoError(t, err)
	_, err = h.gen.SummarizeFile(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, h.llm.calls)
}

func TestSummarizeFileProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.llm.reply = func(int) (string, error) {
		return "", &llmclient.APIError{Provider: llmclient.ProviderGroq, Status: 401, Message: "Invalid API Key"}
	}
	_, err := h.gen.SummarizeFile(context.Background(), fileReq())
	require.ErrorIs(t, err, ErrGenerationFailed)
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, "Invalid API Key", genErr.Message)

	_, ok, _ := h.store.GetSummary(context.Background(), cachekey.NewSummaryKey("octo", "hello", "cmd/main.go", tree.KindFile))
	assert.False(t, ok, "failures are not cached")
}

func TestSummarizeFilePromptAndTruncation(t *testing.T) {
	h := newHarness(t)
	req := fileReq()
	req.Content = strings.Repeat("x", 200)
	_, err := h.gen.SummarizeFile(context.Background(), req)
	require.NoError(t, err)

	prompt := h.llm.prompts[0]
	assert.Contains(t, prompt, `named "main.go"`)
	assert.Contains(t, prompt, "under 200 words")
	assert.Contains(t, prompt, truncationMarker)
	assert.NotContains(t, prompt, strings.Repeat("x", 65))
	assert.Equal(t, llmclient.CompletionOptions{Temperature: 0.5, MaxTokens: 500}, h.llm.opts[0])
}

func TestSummarizeDirectoryNeverCallsWithZeroChildren(t *testing.T) {
	h := newHarness(t)
	_, err := h.gen.SummarizeDirectory(context.Background(), DirectoryRequest{
		Name: "src", Path: "src", APIKey: "k", Owner: "octo", Repo: "hello",
	})
	assert.ErrorIs(t, err, ErrNoChildSummaries)
	assert.Equal(t, 0, h.llm.calls)
}

func TestSummarizeDirectoryPersistsChildrenCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	children := []NodeSummary{
		{Kind: tree.KindFile, Name: "a.go", Path: "src/a.go", Summary: "does a"},
		{Kind: tree.KindDirectory, Name: "util", Path: "src/util", Summary: "helpers"},
	}
	rec, err := h.gen.SummarizeDirectory(ctx, DirectoryRequest{
		Name: "src", Path: "src", Children: children, APIKey: "k", Owner: "octo", Repo: "hello",
	})
	require.NoError(t, err)
	assert.False(t, rec.FromCache)

	prompt := h.llm.prompts[0]
	assert.Contains(t, prompt, "File: a.go\nPath: src/a.go\nSummary: does a\n")
	assert.Contains(t, prompt, "\n---\n\nDirectory: util")
	assert.Contains(t, prompt, "under 250 words")
	assert.Equal(t, 600, h.llm.opts[0].MaxTokens)

	n, ok, err := h.store.GetChildrenCount(ctx, cachekey.NewChildrenKey("octo", "hello", "src"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, n)

	again, err := h.gen.SummarizeDirectory(ctx, DirectoryRequest{
		Name: "src", Path: "src", Children: children, APIKey: "k", Owner: "octo", Repo: "hello",
	})
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, 1, h.llm.calls)
}

func TestSummarizeDirectoryRootIsCacheable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := DirectoryRequest{
		Path:     "",
		Children: []NodeSummary{{Kind: tree.KindFile, Name: "README.md", Path: "README.md", Summary: "intro"}},
		APIKey:   "k", Owner: "octo", Repo: "hello",
	}
	_, err := h.gen.SummarizeDirectory(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, h.llm.prompts[0], `directory named "hello" at path ""`)

	out, err := h.gen.SummarizeDirectory(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.FromCache)
}

func TestAsk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gen.Ask(ctx, AskRequest{Question: "what?", APIKey: "k", Owner: "o", Repo: "r"})
	assert.ErrorIs(t, err, ErrNoSummaries)
	_, err = h.gen.Ask(ctx, AskRequest{Question: "what?", Owner: "o", Repo: "r"})
	assert.ErrorIs(t, err, ErrMissingCredentials)
	_, err = h.gen.Ask(ctx, AskRequest{Question: "  ", APIKey: "k"})
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	answer, err := h.gen.Ask(ctx, AskRequest{
		Question:  "Where is main?",
		Summaries: []NodeSummary{{Kind: tree.KindFile, Path: "cmd/main.go", Summary: "entry point"}},
		APIKey:    "k", Owner: "o", Repo: "r",
	})
	require.NoError(t, err)
	assert.Equal(t, "summary #1", answer)
	prompt := h.llm.prompts[0]
	assert.Contains(t, prompt, "repository o/r")
	assert.Contains(t, prompt, RefusalAnswer)
	assert.Contains(t, prompt, "File: cmd/main.go\nSummary: entry point")
	assert.Equal(t, 1000, h.llm.opts[0].MaxTokens)
}

func TestClientsAreReusedPerKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := fileReq()
	req.ForceRefresh = true
	for i := 0; i < 3; i++ {
		_, err := h.gen.SummarizeFile(ctx, req)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.factories)

	req.APIKey = "other"
	_, err := h.gen.SummarizeFile(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, h.factories)
}

func TestTruncateRespectsRuneBoundary(t *testing.T) {
	out, cut := truncate("héllo", 2)
	assert.True(t, cut)
	assert.Equal(t, "h"+truncationMarker, out)
	out, cut = truncate("short", 0)
	assert.False(t, cut)
	assert.Equal(t, "short", out)
}

type blockingLLM struct {
	started chan struct{}
	proceed chan struct{}
	mu      sync.Mutex
	closed  bool
}

func (b *blockingLLM) Name() string { return "blocking" }

func (b *blockingLLM) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *blockingLLM) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *blockingLLM) Complete(ctx context.Context, _, _ string, _ llmclient.CompletionOptions) (string, error) {
	if b.started != nil {
		close(b.started)
		<-b.proceed
	}
	return "answer", nil
}

func TestEvictedClientClosesAfterInFlightCall(t *testing.T) {
	slow := &blockingLLM{started: make(chan struct{}), proceed: make(chan struct{})}
	fast := &blockingLLM{}
	gen := New(nil, func(_ context.Context, _ llmclient.Provider, key string) (llmclient.LLMClient, error) {
		if key == "slow" {
			return slow, nil
		}
		return fast, nil
	}, Config{ClientCacheSize: 1})
	ask := func(key string) error {
		_, err := gen.Ask(context.Background(), AskRequest{
			Question:  "why?",
			Summaries: []NodeSummary{{Kind: tree.KindFile, Path: "a.go", Summary: "a"}},
			APIKey:    key, Owner: "o", Repo: "r",
		})
		return err
	}

	done := make(chan error, 1)
	go func() { done <- ask("slow") }()
	<-slow.started

	require.NoError(t, ask("fast"))
	assert.False(t, slow.isClosed(), "evicted while a call is in flight")

	close(slow.proceed)
	require.NoError(t, <-done)
	assert.True(t, slow.isClosed(), "closed once the call returned")
	assert.False(t, fast.isClosed())

	gen.Close()
	assert.True(t, fast.isClosed())
}
