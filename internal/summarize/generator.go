// Package summarize turns file contents and child summaries into cached
// summary records.
package summarize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"repoviz/internal/cache/summary"
	"repoviz/internal/cachekey"
	"repoviz/internal/classify"
	"repoviz/internal/llm"
	llmclient "repoviz/internal/llmClient"
	"repoviz/internal/tree"
)

// Cache is the slice of the summary store the generator needs.
type Cache interface {
	GetSummary(ctx context.Context, key cachekey.SummaryKey) (summary.Record, bool, error)
	PutSummary(ctx context.Context, key cachekey.SummaryKey, rec summary.Record)
	PutChildrenCount(ctx context.Context, key cachekey.ChildrenKey, n int)
}

type Config struct {
	// MaxContentBytes truncates larger files before prompting; 0 disables.
	MaxContentBytes int
	// Middlewares wrap every provider client, outermost first.
	Middlewares []llm.Middleware
	// ClientCacheSize bounds how many provider clients are kept warm.
	ClientCacheSize int
}

type Generator struct {
	cache      Cache
	newClient  llmclient.Factory
	classifier *classify.Classifier
	log        *zap.Logger
	cfg        Config
	now        func() time.Time

	mu      sync.Mutex
	clients *lru.Cache[string, *pooledClient]
}

// pooledClient is closed once it has left the cache and its last in-flight
// call returned. Fields are guarded by Generator.mu.
type pooledClient struct {
	llmclient.LLMClient
	refs    int
	evicted bool
}

type Option func(*Generator)

func WithClassifier(c *classify.Classifier) Option { return func(g *Generator) { g.classifier = c } }
func WithLogger(l *zap.Logger) Option              { return func(g *Generator) { g.log = l } }
func WithClock(now func() time.Time) Option        { return func(g *Generator) { g.now = now } }

// New wires a generator. cache may be nil, in which case nothing is cached.
func New(cache Cache, factory llmclient.Factory, cfg Config, opts ...Option) *Generator {
	if cfg.ClientCacheSize <= 0 {
		cfg.ClientCacheSize = 32
	}
	g := &Generator{
		cache:      cache,
		newClient:  factory,
		classifier: classify.Default(),
		log:        zap.NewNop(),
		cfg:        cfg,
		now:        time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	// Eviction runs inside Add and Purge, which are called with g.mu held.
	clients, _ := lru.NewWithEvict[string, *pooledClient](cfg.ClientCacheSize, func(_ string, c *pooledClient) {
		c.evicted = true
		if c.refs == 0 {
			_ = c.Close()
		}
	})
	g.clients = clients
	return g
}

// FileRequest asks for one file summary. Caching requires Owner, Repo and
// Path.
type FileRequest struct {
	Content      string
	FileName     string
	APIKey       string
	Provider     llmclient.Provider
	Owner        string
	Repo         string
	Path         string
	ForceRefresh bool
}

// DirectoryRequest asks for a roll-up summary of Children. The list is
// final; the generator does not recurse. Path "" is the repository root.
type DirectoryRequest struct {
	Name         string
	Path         string
	Children     []NodeSummary
	APIKey       string
	Provider     llmclient.Provider
	Owner        string
	Repo         string
	ForceRefresh bool
}

// AskRequest answers a question from cached summaries only.
type AskRequest struct {
	Question  string
	Summaries []NodeSummary
	APIKey    string
	Provider  llmclient.Provider
	Owner     string
	Repo      string
}

func (g *Generator) IsSummarizable(fileName string) bool {
	return g.classifier.IsSummarizable(fileName)
}

func (g *Generator) SummarizeFile(ctx context.Context, req FileRequest) (summary.Record, error) {
	if !g.classifier.IsSummarizable(req.FileName) {
		return summary.Record{}, ErrUnsummarizable
	}
	provider := providerOrDefault(req.Provider)
	key, cacheable, err := g.cacheKey(req.Owner, req.Repo, req.Path, tree.KindFile, req.Path != "")
	if err != nil {
		return summary.Record{}, err
	}
	if cacheable && !req.ForceRefresh {
		if rec, ok := g.lookup(ctx, key); ok {
			return rec, nil
		}
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return summary.Record{}, MissingCredentials(provider)
	}

	content, cut := truncate(req.Content, g.cfg.MaxContentBytes)
	if cut {
		g.log.Info("truncated file content before prompting", zap.String("file", req.FileName), zap.Int("bytes", len(req.Content)))
	}
	ctx = llm.WithOperation(ctx, "summarize-file")
	text, err := g.complete(ctx, provider, req.APIKey, fileSystemPrompt, filePrompt(req.FileName, content),
		llmclient.CompletionOptions{Temperature: 0.5, MaxTokens: 500})
	if err != nil {
		return summary.Record{}, err
	}
	rec := g.record(text, provider)
	if cacheable {
		g.cache.PutSummary(ctx, key, rec)
	}
	g.log.Debug("generated file summary", zap.String("file", req.FileName), zap.String("provider", string(provider)))
	return rec, nil
}

func (g *Generator) SummarizeDirectory(ctx context.Context, req DirectoryRequest) (summary.Record, error) {
	provider := providerOrDefault(req.Provider)
	key, cacheable, err := g.cacheKey(req.Owner, req.Repo, req.Path, tree.KindDirectory, true)
	if err != nil {
		return summary.Record{}, err
	}
	if cacheable && !req.ForceRefresh {
		if rec, ok := g.lookup(ctx, key); ok {
			return rec, nil
		}
	}
	if len(req.Children) == 0 {
		return summary.Record{}, ErrNoChildSummaries
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return summary.Record{}, MissingCredentials(provider)
	}

	name := req.Name
	if name == "" {
		name = dirName(req.Path, req.Repo)
	}
	ctx = llm.WithOperation(ctx, "summarize-directory")
	text, err := g.complete(ctx, provider, req.APIKey, dirSystemPrompt, directoryPrompt(name, req.Path, req.Children),
		llmclient.CompletionOptions{Temperature: 0.5, MaxTokens: 600})
	if err != nil {
		return summary.Record{}, err
	}
	rec := g.record(text, provider)
	if cacheable {
		g.cache.PutSummary(ctx, key, rec)
		g.cache.PutChildrenCount(ctx, key.ChildrenKey(), len(req.Children))
	}
	return rec, nil
}

// Ask answers from the supplied summaries; the model is told to reply with
// RefusalAnswer when they are insufficient.
func (g *Generator) Ask(ctx context.Context, req AskRequest) (string, error) {
	if strings.TrimSpace(req.Question) == "" {
		return "", ErrEmptyQuestion
	}
	provider := providerOrDefault(req.Provider)
	if strings.TrimSpace(req.APIKey) == "" {
		return "", MissingCredentials(provider)
	}
	if len(req.Summaries) == 0 {
		return "", ErrNoSummaries
	}
	repo := req.Owner + "/" + req.Repo
	ctx = llm.WithOperation(ctx, "ask")
	return g.complete(ctx, provider, req.APIKey, askSystemPrompt, askPrompt(repo, req.Question, req.Summaries),
		llmclient.CompletionOptions{Temperature: 0.5, MaxTokens: 1000})
}

// ValidateKey checks credentials for providers that support it.
func (g *Generator) ValidateKey(ctx context.Context, provider llmclient.Provider, apiKey string) error {
	provider = providerOrDefault(provider)
	if strings.TrimSpace(apiKey) == "" {
		return MissingCredentials(provider)
	}
	cli, err := g.acquire(ctx, provider, apiKey)
	if err != nil {
		return err
	}
	defer g.release(cli)
	v, ok := llm.Innermost(cli.LLMClient).(llmclient.KeyValidator)
	if !ok {
		return nil
	}
	if err := v.ValidateKey(ctx); err != nil {
		return generationError(provider, err)
	}
	return nil
}

// RateLimitWait reports how long the provider asked callers to back off,
// based on the rate-limit headers of the last response seen for this key.
func (g *Generator) RateLimitWait(provider llmclient.Provider, apiKey string) time.Duration {
	g.mu.Lock()
	cli, ok := g.clients.Peek(clientID(providerOrDefault(provider), apiKey))
	g.mu.Unlock()
	if !ok {
		return 0
	}
	aware, ok := llm.Innermost(cli.LLMClient).(llmclient.RateLimitHeaderAwareClient)
	if !ok {
		return 0
	}
	headers, ok := aware.LastRateLimitHeaders()
	if !ok {
		return 0
	}
	return llmclient.HeaderRateLimitControlAdapter{Max: time.Minute}.NextWait(headers)
}

// Close releases every cached provider client. Clients still serving a call
// are closed when it returns.
func (g *Generator) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients.Purge()
}

// cacheKey reports whether the request carries enough repository context
// to be cached. A malformed owner/repo is a caller error; a path that cannot
// be encoded only disables caching.
func (g *Generator) cacheKey(owner, repo, path string, kind tree.Kind, pathOK bool) (cachekey.SummaryKey, bool, error) {
	if g.cache == nil || owner == "" || repo == "" || !pathOK {
		return cachekey.SummaryKey{}, false, nil
	}
	key := cachekey.NewSummaryKey(owner, repo, path, kind)
	if err := key.RepoRef.Validate(); err != nil {
		return cachekey.SummaryKey{}, false, err
	}
	if err := key.Validate(); err != nil {
		g.log.Warn("summary will not be cached", zap.String("path", path), zap.Error(err))
		return cachekey.SummaryKey{}, false, nil
	}
	return key, true, nil
}

func (g *Generator) lookup(ctx context.Context, key cachekey.SummaryKey) (summary.Record, bool) {
	rec, ok, err := g.cache.GetSummary(ctx, key)
	if err != nil {
		g.log.Warn("summary cache read failed; regenerating", zap.String("key", key.String()), zap.Error(err))
		return summary.Record{}, false
	}
	if ok {
		g.log.Debug("cache hit", zap.String("key", key.String()))
	}
	return rec, ok
}

func (g *Generator) complete(ctx context.Context, provider llmclient.Provider, apiKey, system, user string, opts llmclient.CompletionOptions) (string, error) {
	cli, err := g.acquire(ctx, provider, apiKey)
	if err != nil {
		return "", err
	}
	defer g.release(cli)
	text, err := cli.Complete(ctx, system, user, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", generationError(provider, err)
	}
	return strings.TrimSpace(text), nil
}

// acquire returns the cached client for the credentials, creating it on
// first use. Every acquire must be paired with a release.
func (g *Generator) acquire(ctx context.Context, provider llmclient.Provider, apiKey string) (*pooledClient, error) {
	id := clientID(provider, apiKey)
	g.mu.Lock()
	defer g.mu.Unlock()
	if cli, ok := g.clients.Get(id); ok {
		cli.refs++
		return cli, nil
	}
	inner, err := g.newClient(ctx, provider, apiKey)
	if err != nil {
		return nil, err
	}
	cli := &pooledClient{LLMClient: llm.Wrap(inner, g.cfg.Middlewares...), refs: 1}
	g.clients.Add(id, cli)
	return cli, nil
}

func (g *Generator) release(cli *pooledClient) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cli.refs--
	if cli.refs == 0 && cli.evicted {
		_ = cli.Close()
	}
}

func (g *Generator) record(text string, provider llmclient.Provider) summary.Record {
	return summary.Record{
		Summary:     text,
		GeneratedAt: g.now().UTC(),
		Provider:    string(provider),
	}
}

func providerOrDefault(p llmclient.Provider) llmclient.Provider {
	if p == "" {
		return llmclient.ProviderGroq
	}
	return p
}

// clientID never keeps the raw key in memory as a map key.
func clientID(provider llmclient.Provider, apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return string(provider) + ":" + hex.EncodeToString(sum[:8])
}

func dirName(path, repo string) string {
	if path == "" {
		return repo
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
