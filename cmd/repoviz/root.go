package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repoviz/internal/app"
	"repoviz/internal/cachekey"
	"repoviz/internal/config"
	"repoviz/internal/gitsource"
	"repoviz/internal/logging"
	"repoviz/internal/reconcile"
	"repoviz/internal/tree"
)

var (
	configPath   string
	outputFormat string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "repoviz",
	Short: "Summarize repositories incrementally",
	Long: `repoviz keeps an LLM summary for every file and directory of a repository
and only regenerates the ones whose files changed since the last snapshot.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "human", "Output format: human or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

// newContext is cancelled on SIGINT or SIGTERM.
func newContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger writes to stderr so stdout stays parseable.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	return logging.New(logging.Config{Level: level, Format: "console", OutputPath: "stderr"})
}

func openCore(ctx context.Context) (*app.Core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return app.NewCore(ctx, cfg, log)
}

// source is where snapshots and file contents come from: a local clone or
// the GitHub API.
type source struct {
	repo    cachekey.RepoRef
	branch  string
	content reconcile.ContentProvider
	root    *tree.RepoNode
}

func openSource(ctx context.Context, core *app.Core, ref, localPath, rev string) (*source, error) {
	repo, err := cachekey.ParseRepoRef(ref)
	if err != nil {
		return nil, err
	}
	if localPath != "" {
		local, err := gitsource.Open(localPath)
		if err != nil {
			return nil, err
		}
		if rev == "" {
			rev = "HEAD"
		}
		root, err := local.Snapshot(ctx, rev)
		if err != nil {
			return nil, err
		}
		return &source{repo: repo, branch: rev, content: local, root: root}, nil
	}
	snap, err := core.GitHub.FetchTree(ctx, repo, rev)
	if err != nil {
		return nil, err
	}
	if snap.Truncated {
		core.Log.Warn("github tree was truncated", zap.String("repo", repo.String()))
	}
	return &source{repo: repo, branch: snap.Branch, content: core.GitHub, root: snap.Root}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readSnapshot(path string) (*tree.RepoNode, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var root tree.RepoNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	if err := tree.Validate(&root); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return &root, nil
}
