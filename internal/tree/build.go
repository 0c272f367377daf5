package tree

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is one row of a flat repository listing, such as a recursive
// GitHub tree or a git tree walk.
type Entry struct {
	Path string
	Kind Kind
	Size int64
}

// Build assembles a snapshot from a flat listing. Missing parent directories
// are created, entries under .git/ are skipped and children are sorted.
// Later duplicates of a path are ignored.
func Build(rootName string, entries []Entry) *RepoNode {
	root := &RepoNode{Name: rootName, Path: "", Kind: KindDirectory}
	index := map[string]*RepoNode{"": root}

	var ensureDir func(path string) *RepoNode
	ensureDir = func(path string) *RepoNode {
		if n, ok := index[path]; ok {
			return n
		}
		parent := ensureDir(parentPath(path))
		n := NewDirectory(path)
		index[path] = n
		parent.Children = append(parent.Children, n)
		return n
	}

	for _, e := range entries {
		p := strings.Trim(strings.TrimSpace(e.Path), "/")
		if p == "" || isGitMetadata(p) {
			continue
		}
		if _, dup := index[p]; dup {
			continue
		}
		parent := ensureDir(parentPath(p))
		if !parent.IsDir() {
			continue
		}
		var n *RepoNode
		if e.Kind == KindDirectory {
			n = NewDirectory(p)
		} else {
			n = NewFile(p, e.Size)
		}
		index[p] = n
		parent.Children = append(parent.Children, n)
	}
	SortChildren(root)
	return root
}

func isGitMetadata(p string) bool {
	return p == ".git" || strings.HasPrefix(p, ".git/") || strings.Contains(p, "/.git/")
}

// Filter returns a copy of root keeping the nodes whose path matches at
// least one doublestar pattern, plus every ancestor needed to reach them.
// A directory that matches keeps its whole subtree. With no patterns the
// tree is returned unchanged.
func Filter(root *RepoNode, patterns ...string) (*RepoNode, error) {
	if root == nil || len(patterns) == 0 {
		return root, nil
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, doublestar.ErrBadPattern
		}
	}
	var keep func(n *RepoNode) *RepoNode
	keep = func(n *RepoNode) *RepoNode {
		if n.Path != "" && matchAny(patterns, n.Path) {
			return clone(n)
		}
		if !n.IsDir() {
			return nil
		}
		var kids []*RepoNode
		for _, c := range n.Children {
			if k := keep(c); k != nil {
				kids = append(kids, k)
			}
		}
		if len(kids) == 0 && n.Path != "" {
			return nil
		}
		cp := *n
		cp.Children = kids
		return &cp
	}
	return keep(root), nil
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

func clone(n *RepoNode) *RepoNode {
	cp := *n
	if len(n.Children) > 0 {
		cp.Children = make([]*RepoNode, len(n.Children))
		for i, c := range n.Children {
			cp.Children[i] = clone(c)
		}
	}
	return &cp
}

// Stats is the aggregate size of a subtree.
type Stats struct {
	Files       int   `json:"files"`
	Directories int   `json:"directories"`
	Bytes       int64 `json:"bytes"`
}

// StatsOf counts the files, directories and file bytes below n, excluding
// n itself.
func StatsOf(n *RepoNode) Stats {
	var s Stats
	ForEachDescendant(n, func(d *RepoNode) {
		if d.IsDir() {
			s.Directories++
			return
		}
		s.Files++
		s.Bytes += d.Size
	})
	return s
}
