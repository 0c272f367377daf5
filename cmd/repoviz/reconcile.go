package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"repoviz/internal/app"
	"repoviz/internal/diff"
	"repoviz/internal/reconcile"
	"repoviz/internal/tree"
)

var (
	recAll      bool
	recRefresh  []string
	recLocal    string
	recRev      string
	recProvider string
	syncDryRun  bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile OWNER/REPO [PATH...]",
	Short: "Summarize the selected nodes, skipping those already cached",
	Long: `Summarize the selected files and directories of a repository. Files go
first so that directories roll up fresh child summaries. Cached nodes are
skipped unless listed in --refresh.

Examples:
  repoviz reconcile acme/web src/main.go src
  repoviz reconcile acme/web --all --local ~/src/web`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReconcile,
}

var syncCmd = &cobra.Command{
	Use:   "sync OWNER/REPO",
	Short: "Detect changes since the last snapshot and refresh their summaries",
	Long: `Compare the current snapshot with the one recorded by the previous sync,
queue every added or updated node, and re-summarize the queue. Nodes that
fail stay queued for the next sync; the recorded snapshot only advances
once the queue is empty.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

func init() {
	for _, c := range []*cobra.Command{reconcileCmd, syncCmd} {
		c.Flags().StringVar(&recLocal, "local", "", "Read the repository from this local clone instead of GitHub")
		c.Flags().StringVar(&recRev, "rev", "", "Branch or revision (default: default branch, or HEAD with --local)")
		c.Flags().StringVar(&recProvider, "provider", "", "LLM provider: groq, openai or gemini")
	}
	reconcileCmd.Flags().BoolVar(&recAll, "all", false, "Select every node of the repository")
	reconcileCmd.Flags().StringSliceVar(&recRefresh, "refresh", nil, "Paths to regenerate even when cached")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Only report the changes and the queue")
	rootCmd.AddCommand(reconcileCmd, syncCmd)
}

func runReconcile(_ *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()
	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	src, req, engine, err := prepareRun(ctx, core, args[0])
	if err != nil {
		return err
	}
	req.Selected = args[1:]
	if recAll {
		req.Selected = allPaths(src.root)
	}
	req.Refresh = recRefresh
	tally, err := engine.Reconcile(ctx, req, printProgress)
	return reportTally(tally, err)
}

func runSync(_ *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()
	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	src, req, engine, err := prepareRun(ctx, core, args[0])
	if err != nil {
		return err
	}
	session := reconcile.NewSession(core.Pending, core.Log)
	obs, err := session.Observe(ctx, src.repo, src.root)
	if err != nil {
		return err
	}
	if !obs.SameRepo {
		fmt.Fprintf(os.Stderr, "recorded the first snapshot of %s\n", src.repo)
		return nil
	}
	fmt.Fprintln(os.Stderr, diff.Summary(obs.Changes))
	if syncDryRun {
		return printQueue(obs.Pending.Nodes())
	}
	changes, err := session.Queued(ctx, src.repo, src.root)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	tally, err := engine.ApplyChanges(ctx, req, changes, core.Pending, printProgress)
	if err != nil {
		return reportTally(tally, err)
	}
	left, lerr := core.Pending.Load(ctx, src.repo)
	if lerr == nil && len(left) == 0 {
		if cerr := session.Commit(ctx, src.repo, src.root); cerr != nil {
			return cerr
		}
	}
	return reportTally(tally, nil)
}

func prepareRun(ctx context.Context, core *app.Core, ref string) (*source, reconcile.Request, *reconcile.Engine, error) {
	provider, key, err := providerOf(core, recProvider, core.Config.LLM.Provider)
	if err != nil {
		return nil, reconcile.Request{}, nil, err
	}
	src, err := openSource(ctx, core, ref, recLocal, recRev)
	if err != nil {
		return nil, reconcile.Request{}, nil, err
	}
	req := reconcile.Request{
		Repo:        src.repo,
		Branch:      src.branch,
		Root:        src.root,
		Credentials: reconcile.Credentials{Provider: provider, APIKey: key},
	}
	return src, req, core.Engine(src.content, provider, key), nil
}

func allPaths(root *tree.RepoNode) []string {
	var out []string
	tree.Walk(root, func(n *tree.RepoNode) bool {
		out = append(out, n.Path)
		return true
	})
	sort.Strings(out)
	return out
}

func printProgress(p reconcile.Progress) {
	fmt.Fprintf(os.Stderr, "[%3.0f%%] %d/%d %s\n", p.Percent, p.Processed, p.Total, p.CurrentPath)
}

func printQueue(nodes []*tree.RepoNode) error {
	if outputFormat == "json" {
		return printJSON(nodes)
	}
	for _, n := range nodes {
		fmt.Printf("pending  %-9s %s\n", n.Kind, n.Path)
	}
	return nil
}

func reportTally(t reconcile.Tally, runErr error) error {
	if outputFormat == "json" {
		if err := printJSON(t); err != nil {
			return err
		}
		return runErr
	}
	fmt.Printf("%s: %d processed, %d summarized, %d skipped, %d failed (%d recovered)\n",
		t.State, t.Processed, t.Summarized, t.Skipped, t.Failed, t.Recovered)
	for _, o := range t.Failures() {
		fmt.Printf("  failed %s: %s\n", o.Path, o.Error)
	}
	return runErr
}
