package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"repoviz/internal/diff"
	"repoviz/internal/gitsource"
	"repoviz/internal/tree"
)

var (
	diffUnified bool
	diffGitPath string
)

var diffCmd = &cobra.Command{
	Use:   "diff PREVIOUS CURRENT",
	Short: "Compare two repository snapshots",
	Long: `Compare two snapshots and list the added, updated and deleted nodes.

Snapshots are JSON files, or git revisions when --git is set.

Examples:
  repoviz diff old.json new.json
  repoviz diff --git . HEAD~1 HEAD --unified`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func init() {
	diffCmd.Flags().BoolVar(&diffUnified, "unified", false, "Also print a unified diff of both listings")
	diffCmd.Flags().StringVar(&diffGitPath, "git", "", "Read snapshots as revisions of this local clone")
	rootCmd.AddCommand(diffCmd)
}

func runDiff(_ *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	previous, current, err := loadPair(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	changes := diff.DetectChanges(current, previous)

	if outputFormat == "json" {
		return printJSON(changes)
	}
	for _, c := range changes {
		fmt.Printf("%-8s %-9s %s\n", c.Type, c.Node.Kind, c.Node.Path)
	}
	fmt.Println(diff.Summary(changes))
	if diffUnified {
		u, err := diff.Render(current, previous, 1)
		if err != nil {
			return err
		}
		fmt.Print(u)
	}
	return nil
}

func loadPair(ctx context.Context, prev, cur string) (*tree.RepoNode, *tree.RepoNode, error) {
	if diffGitPath == "" {
		p, err := readSnapshot(prev)
		if err != nil {
			return nil, nil, err
		}
		c, err := readSnapshot(cur)
		if err != nil {
			return nil, nil, err
		}
		return p, c, nil
	}
	repo, err := gitsource.Open(diffGitPath)
	if err != nil {
		return nil, nil, err
	}
	p, perr := repo.Snapshot(ctx, prev)
	c, cerr := repo.Snapshot(ctx, cur)
	if err := errors.Join(perr, cerr); err != nil {
		return nil, nil, fmt.Errorf("snapshot: %w", err)
	}
	return p, c, nil
}
