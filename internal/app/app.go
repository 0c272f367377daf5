package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"repoviz/internal/cache/summary"
	"repoviz/internal/config"
	"repoviz/internal/github"
	"repoviz/internal/llm"
	llmclient "repoviz/internal/llmClient"
	"repoviz/internal/pending"
	"repoviz/internal/reconcile"
	"repoviz/internal/server"
	"repoviz/internal/summarize"
)

// Core holds the wired domain components shared by the API server and the
// CLI.
type Core struct {
	Config    *config.Config
	Log       *zap.Logger
	Store     *summary.Store
	Generator *summarize.Generator
	GitHub    *github.Client
	Pending   pending.Store
}

// NewCore opens the summary cache, the pending-update state and the
// summary generator described by cfg.
func NewCore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Core, error) {
	if log == nil {
		log = zap.NewNop()
	}
	remote, err := openRemote(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	store := summary.NewStore(remote, log.Named("cache"), summary.CacheConfig{
		TTL:             cfg.Cache.TTL,
		LocalTTL:        cfg.Cache.LocalTTL,
		LocalMaxEntries: cfg.Cache.LocalMaxEntries,
		Concurrency:     cfg.Cache.Concurrency,
	})

	var ps pending.Store
	if cfg.Reconcile.StatePath == "" {
		ps = pending.NewMemoryStore()
	} else {
		sq, err := pending.OpenSQLite(cfg.Reconcile.StatePath)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to open reconcile state: %w", err)
		}
		ps = sq
	}

	gen := summarize.New(store, llmclient.NewFactory(llmOptions(cfg)), summarize.Config{
		MaxContentBytes: cfg.LLM.MaxContentBytes,
		Middlewares:     middlewares(cfg, log),
	}, summarize.WithLogger(log.Named("summarize")))

	return &Core{
		Config:    cfg,
		Log:       log,
		Store:     store,
		Generator: gen,
		GitHub:    github.NewClient(github.Options{BaseURL: cfg.GitHub.BaseURL, Token: cfg.GitHub.Token}),
		Pending:   ps,
	}, nil
}

// Keys resolves server-side provider keys.
func (c *Core) Keys(provider string) string { return c.Config.APIKey(provider) }

// Throttle paces a run. The adaptive variant stretches the configured delay
// while the provider reports an exhausted budget for apiKey.
func (c *Core) Throttle(provider llmclient.Provider, apiKey string) reconcile.Throttle {
	floor := c.Config.Reconcile.Throttle
	if !c.Config.Reconcile.Adaptive {
		return reconcile.Fixed(floor)
	}
	return reconcile.Adaptive{
		Floor: floor,
		Hint:  func() time.Duration { return c.Generator.RateLimitWait(provider, apiKey) },
	}
}

// Engine returns a batch engine over content with the configured pacing.
func (c *Core) Engine(content reconcile.ContentProvider, provider llmclient.Provider, apiKey string) *reconcile.Engine {
	return reconcile.New(c.Generator, content, c.Store,
		reconcile.WithLogger(c.Log.Named("reconcile")),
		reconcile.WithValidator(c.Generator),
		reconcile.WithThrottle(c.Throttle(provider, apiKey)),
	)
}

func (c *Core) Close() error {
	c.Generator.Close()
	return errors.Join(c.Pending.Close(), c.Store.Close())
}

func llmOptions(cfg *config.Config) llmclient.Options {
	opts := llmclient.Options{
		Models:   map[llmclient.Provider]string{},
		BaseURLs: map[llmclient.Provider]string{},
	}
	for k, v := range cfg.LLM.Models {
		opts.Models[llmclient.Provider(k)] = v
	}
	for k, v := range cfg.LLM.BaseURLs {
		opts.BaseURLs[llmclient.Provider(k)] = v
	}
	return opts
}

// middlewares wraps provider clients, outermost first: logging and metrics
// see every attempt the retry layer makes.
func middlewares(cfg *config.Config, log *zap.Logger) []llm.Middleware {
	mws := []llm.Middleware{}
	if cfg.LLM.RetryAttempts > 1 {
		mws = append(mws, llm.Retry(cfg.LLM.RetryAttempts, cfg.LLM.RetryBaseDelay))
	}
	mws = append(mws, llm.WithLogging(log.Named("llm")), llm.WithMetrics(""))
	if cfg.LLM.RPS > 0 {
		mws = append(mws, llm.RateLimit(cfg.LLM.RPS, cfg.LLM.Burst))
	}
	if cfg.Reconcile.Adaptive {
		mws = append(mws, llm.RespectRateLimitSignals(nil))
	}
	return mws
}

// App is the API server process.
type App struct {
	core   *Core
	server *server.Server
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	core, err := NewCore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	svc := server.NewSummaryService(server.Deps{
		Generator: core.Generator,
		Store:     core.Store,
		GitHub:    core.GitHub,
		Pending:   core.Pending,
		Keys:      core.Keys,
		Throttle:  core.Throttle,
		Log:       core.Log,
	})
	mux := server.NewMux(svc, core.Log)
	return &App{core: core, server: server.New(cfg.Port, mux, core.Log)}, nil
}

func (a *App) Start() error {
	return a.server.Start()
}

// Shutdown drains the server, then releases the stores.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	return errors.Join(err, a.core.Close())
}
