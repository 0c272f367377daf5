package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"repoviz/internal/cache/summary"
	"repoviz/internal/cachekey"
	"repoviz/internal/tree"
)

var cacheRmDir bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the summary cache",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls OWNER/REPO",
	Short: "List cached summaries",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheLs,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats OWNER/REPO",
	Short: "Count cached entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheStats,
}

var cacheRmCmd = &cobra.Command{
	Use:   "rm OWNER/REPO PATH...",
	Short: "Delete cached summaries",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runCacheRm,
}

func init() {
	cacheRmCmd.Flags().BoolVar(&cacheRmDir, "dir", false, "The paths are directories")
	cacheCmd.AddCommand(cacheLsCmd, cacheStatsCmd, cacheRmCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheLs(_ *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()
	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	repo, err := cachekey.ParseRepoRef(args[0])
	if err != nil {
		return err
	}
	recs := core.Store.LoadAllCachedSummaries(ctx, repo.Owner, repo.Repo)
	if outputFormat == "json" {
		return printJSON(recs)
	}
	ids := make([]string, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		_, p, _ := cachekey.SplitNodeID(id)
		if p == "" {
			p = "."
		}
		r := recs[id]
		fmt.Printf("%s  %-8s %s\n", r.GeneratedAt.Format("2006-01-02 15:04"), r.Provider, p)
	}
	return nil
}

func runCacheStats(_ *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()
	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	repo, err := cachekey.ParseRepoRef(args[0])
	if err != nil {
		return err
	}
	st, err := core.Store.Stats(ctx, repo.Owner, repo.Repo)
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		return printJSON(st)
	}
	fmt.Printf("%s: %d summaries (%d files, %d directories), %d children counts\n",
		repo, st.Total, st.Files, st.Directories, st.Children)
	return nil
}

func runCacheRm(_ *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()
	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Close()

	repo, err := cachekey.ParseRepoRef(args[0])
	if err != nil {
		return err
	}
	kind := tree.KindFile
	if cacheRmDir {
		kind = tree.KindDirectory
	}
	items := make([]summary.PathKind, 0, len(args)-1)
	for _, p := range args[1:] {
		items = append(items, summary.PathKind{Path: strings.Trim(p, "/"), Kind: kind})
	}
	if !core.Store.BatchDeleteSummaries(ctx, repo.Owner, repo.Repo, items) {
		return fmt.Errorf("some deletions failed; see the log")
	}
	fmt.Printf("deleted %d entries\n", len(items))
	return nil
}
