package main

import (
	"fmt"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"repoviz/internal/app"
	"repoviz/internal/cache/summary"
	"repoviz/internal/cachekey"
	llmclient "repoviz/internal/llmClient"
	"repoviz/internal/reconcile"
	"repoviz/internal/summarize"
	"repoviz/internal/tree"
)

var (
	sumProvider string
	sumForce    bool
	sumLocal    string
	sumRev      string
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Summarize one file or directory, reusing the cached summary when present",
}

var summarizeFileCmd = &cobra.Command{
	Use:   "file OWNER/REPO PATH",
	Short: "Summarize one file",
	Args:  cobra.ExactArgs(2),
	RunE:  runSummarize,
}

var summarizeDirCmd = &cobra.Command{
	Use:   "dir OWNER/REPO PATH",
	Short: "Roll up the summaries below a directory; use \"\" for the root",
	Long: `Summarize a directory from the cached summaries of its descendants. When
none exist yet, the summarizable files below it are summarized first.`,
	Args: cobra.ExactArgs(2),
	RunE: runSummarizeDir,
}

var askCmd = &cobra.Command{
	Use:   "ask OWNER/REPO QUESTION...",
	Short: "Answer a question from the cached summaries of a repository",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&sumProvider, "provider", "", "LLM provider: groq, openai or gemini")
	for _, c := range []*cobra.Command{summarizeFileCmd, summarizeDirCmd} {
		c.Flags().StringVar(&sumProvider, "provider", "", "LLM provider: groq, openai or gemini")
		c.Flags().BoolVar(&sumForce, "force", false, "Regenerate even when cached")
		c.Flags().StringVar(&sumLocal, "local", "", "Read from this local clone instead of GitHub")
		c.Flags().StringVar(&sumRev, "rev", "", "Branch or revision (default: default branch, or HEAD with --local)")
	}
	summarizeCmd.AddCommand(summarizeFileCmd, summarizeDirCmd)
	rootCmd.AddCommand(summarizeCmd, askCmd)
}

func providerOf(core *app.Core, flag, fallback string) (llmclient.Provider, string, error) {
	name := strings.TrimSpace(flag)
	if name == "" {
		name = fallback
	}
	p, err := llmclient.ParseProvider(name)
	if err != nil {
		return "", "", err
	}
	return p, core.Keys(string(p)), nil
}

func runSummarize(_ *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()
	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	provider, key, err := providerOf(core, sumProvider, core.Config.LLM.Provider)
	if err != nil {
		return err
	}
	src, err := openSource(ctx, core, args[0], sumLocal, sumRev)
	if err != nil {
		return err
	}
	filePath := strings.Trim(args[1], "/")
	name := path.Base(filePath)
	if !core.Generator.IsSummarizable(name) {
		return fmt.Errorf("%w: %s", summarize.ErrUnsummarizable, filePath)
	}
	content, err := src.content.FetchFileContent(ctx, src.repo, filePath, src.branch)
	if err != nil {
		return err
	}
	rec, err := core.Generator.SummarizeFile(ctx, summarize.FileRequest{
		Content:      content,
		FileName:     name,
		APIKey:       key,
		Provider:     provider,
		Owner:        src.repo.Owner,
		Repo:         src.repo.Repo,
		Path:         filePath,
		ForceRefresh: sumForce,
	})
	if err != nil {
		return err
	}
	return printRecord(filePath, rec)
}

func runSummarizeDir(_ *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()
	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	provider, key, err := providerOf(core, sumProvider, core.Config.LLM.Provider)
	if err != nil {
		return err
	}
	src, err := openSource(ctx, core, args[0], sumLocal, sumRev)
	if err != nil {
		return err
	}
	dirPath := strings.Trim(args[1], "/")
	if n := tree.FindByPath(src.root, dirPath); n == nil || !n.IsDir() {
		return fmt.Errorf("%q is not a directory of %s", dirPath, src.repo)
	}
	req := reconcile.Request{
		Repo:        src.repo,
		Branch:      src.branch,
		Root:        src.root,
		Selected:    []string{dirPath},
		Credentials: reconcile.Credentials{Provider: provider, APIKey: key},
	}
	if sumForce {
		req.Refresh = []string{dirPath}
	}
	tally, err := core.Engine(src.content, provider, key).Reconcile(ctx, req, nil)
	if err != nil {
		return err
	}
	for _, o := range tally.Outcomes {
		if o.Path == dirPath && o.Status != reconcile.StatusSummarized && o.Status != reconcile.StatusCached {
			return fmt.Errorf("%s: %s %s", dirPath, o.Status, o.Error)
		}
	}
	rec, ok, err := core.Store.GetSummary(ctx, cachekey.NewSummaryKey(src.repo.Owner, src.repo.Repo, dirPath, tree.KindDirectory))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: no summary was stored", dirPath)
	}
	rec.FromCache = tally.Summarized == 0
	return printRecord(dirPath, rec)
}

func printRecord(p string, rec summary.Record) error {
	if outputFormat == "json" {
		return printJSON(rec)
	}
	if p == "" {
		p = "."
	}
	origin := "generated"
	if rec.FromCache {
		origin = "cached"
	}
	fmt.Printf("%s (%s, %s)\n\n%s\n", p, rec.Provider, origin, rec.Summary)
	return nil
}

func runAsk(_ *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()
	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	provider, key, err := providerOf(core, sumProvider, core.Config.LLM.Provider)
	if err != nil {
		return err
	}
	src, err := cachekey.ParseRepoRef(args[0])
	if err != nil {
		return err
	}
	summaries, err := summarize.CachedSummaries(ctx, core.Store, src)
	if err != nil {
		return err
	}
	answer, err := core.Generator.Ask(ctx, summarize.AskRequest{
		Question:  strings.Join(args[1:], " "),
		Summaries: summaries,
		APIKey:    key,
		Provider:  provider,
		Owner:     src.Owner,
		Repo:      src.Repo,
	})
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}
