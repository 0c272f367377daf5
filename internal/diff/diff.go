// Package diff compares two snapshots of the same repository and reports
// which paths were added, updated or deleted.
//
// File size is the only change signal: an edit that keeps the byte length
// identical is not detected.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"repoviz/internal/tree"
)

// ChangeType tags a Change.
type ChangeType string

const (
	Added   ChangeType = "added"
	Updated ChangeType = "updated"
	Deleted ChangeType = "deleted"
)

// Change is the output unit of DetectChanges. For Added and Updated the node
// comes from the current snapshot, for Deleted from the previous one.
type Change struct {
	Type ChangeType     `json:"type"`
	Node *tree.RepoNode `json:"node"`
}

// DetectChanges diffs current against previous by path. Either snapshot
// being nil yields no changes. Directories are never reported as Updated.
// The result is sorted by path for readable logs; callers must not rely on
// the order.
func DetectChanges(current, previous *tree.RepoNode) []Change {
	if current == nil || previous == nil {
		return nil
	}
	cur := tree.Flatten(current)
	prev := tree.Flatten(previous)

	var changes []Change
	for path, node := range cur {
		old, ok := prev[path]
		switch {
		case !ok:
			changes = append(changes, Change{Type: Added, Node: node})
		case node.IsFile() && old.IsFile() && node.Size != old.Size:
			changes = append(changes, Change{Type: Updated, Node: node})
		}
	}
	for path, node := range prev {
		if _, ok := cur[path]; !ok {
			changes = append(changes, Change{Type: Deleted, Node: node})
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Node.Path != changes[j].Node.Path {
			return changes[i].Node.Path < changes[j].Node.Path
		}
		return changes[i].Type < changes[j].Type
	})
	return changes
}

// Split separates nodes needing (re-)summarization from deleted nodes.
func Split(changes []Change) (upserts, deletions []*tree.RepoNode) {
	for _, c := range changes {
		if c.Type == Deleted {
			deletions = append(deletions, c.Node)
			continue
		}
		upserts = append(upserts, c.Node)
	}
	return upserts, deletions
}

// Counts tallies changes per type.
func Counts(changes []Change) map[ChangeType]int {
	out := map[ChangeType]int{Added: 0, Updated: 0, Deleted: 0}
	for _, c := range changes {
		out[c.Type]++
	}
	return out
}

// Render produces a unified diff of the "path size" listings of both
// snapshots, directories suffixed with "/".
func Render(current, previous *tree.RepoNode, context int) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        listing(previous),
		B:        listing(current),
		FromFile: "previous",
		ToFile:   "current",
		Context:  context,
	}
	return difflib.GetUnifiedDiffString(ud)
}

func listing(root *tree.RepoNode) []string {
	var lines []string
	tree.Walk(root, func(n *tree.RepoNode) bool {
		if n.Path == "" {
			return true
		}
		if n.IsDir() {
			lines = append(lines, n.Path+"/\n")
			return true
		}
		lines = append(lines, fmt.Sprintf("%s %d\n", n.Path, n.Size))
		return true
	})
	sort.Strings(lines)
	return lines
}

// Summary renders counts as "2 added, 1 updated, 0 deleted".
func Summary(changes []Change) string {
	c := Counts(changes)
	parts := []string{
		fmt.Sprintf("%d added", c[Added]),
		fmt.Sprintf("%d updated", c[Updated]),
		fmt.Sprintf("%d deleted", c[Deleted]),
	}
	return strings.Join(parts, ", ")
}
