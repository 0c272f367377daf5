// Package tree models a repository snapshot as a typed recursive tree of
// files and directories.
package tree

import (
	"fmt"
	"sort"
	"strings"
)

// Kind distinguishes files from directories. It doubles as a cache key
// dimension since files and directories are summarized independently.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// ParseKind accepts the canonical names plus the short GitHub forms.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "blob":
		return KindFile, nil
	case "directory", "dir", "tree":
		return KindDirectory, nil
	default:
		return "", fmt.Errorf("unknown node kind %q", s)
	}
}

func (k Kind) Valid() bool { return k == KindFile || k == KindDirectory }

// RepoNode is one entry of a repository snapshot. Path is the full
// slash-separated path from the repository root; the root itself has an
// empty path. Size is only meaningful for files and Children only for
// directories.
type RepoNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Kind     Kind        `json:"type"`
	Size     int64       `json:"size,omitempty"`
	Children []*RepoNode `json:"children,omitempty"`
}

func NewFile(path string, size int64) *RepoNode {
	return &RepoNode{Name: baseName(path), Path: path, Kind: KindFile, Size: size}
}

func NewDirectory(path string, children ...*RepoNode) *RepoNode {
	return &RepoNode{Name: baseName(path), Path: path, Kind: KindDirectory, Children: children}
}

func (n *RepoNode) IsFile() bool { return n != nil && n.Kind == KindFile }
func (n *RepoNode) IsDir() bool  { return n != nil && n.Kind == KindDirectory }

// Walk visits n and its descendants depth-first, parents before children.
// Returning false from fn stops the walk.
func Walk(n *RepoNode, fn func(*RepoNode) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !Walk(c, fn) {
			return false
		}
	}
	return true
}

// ForEachDescendant visits every node below n, excluding n itself.
func ForEachDescendant(n *RepoNode, fn func(*RepoNode)) {
	if n == nil {
		return
	}
	for _, c := range n.Children {
		Walk(c, func(d *RepoNode) bool {
			fn(d)
			return true
		})
	}
}

// FindByPath returns the node at path, or nil.
func FindByPath(root *RepoNode, path string) *RepoNode {
	var found *RepoNode
	Walk(root, func(n *RepoNode) bool {
		if n.Path == path {
			found = n
			return false
		}
		return true
	})
	return found
}

// Flatten indexes every node of the snapshot by path.
func Flatten(root *RepoNode) map[string]*RepoNode {
	out := make(map[string]*RepoNode)
	Walk(root, func(n *RepoNode) bool {
		out[n.Path] = n
		return true
	})
	return out
}

// Files returns every file node below root in walk order.
func Files(root *RepoNode) []*RepoNode {
	var out []*RepoNode
	Walk(root, func(n *RepoNode) bool {
		if n.IsFile() {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Validate checks the snapshot invariants: unique paths and children paths
// prefixed by their parent's path.
func Validate(root *RepoNode) error {
	if root == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var check func(n *RepoNode) error
	check = func(n *RepoNode) error {
		if !n.Kind.Valid() {
			return fmt.Errorf("node %q: invalid kind %q", n.Path, n.Kind)
		}
		if _, dup := seen[n.Path]; dup {
			return fmt.Errorf("duplicate path %q", n.Path)
		}
		seen[n.Path] = struct{}{}
		if n.IsFile() && len(n.Children) > 0 {
			return fmt.Errorf("file %q has children", n.Path)
		}
		for _, c := range n.Children {
			if c == nil {
				return fmt.Errorf("directory %q has a nil child", n.Path)
			}
			if parentPath(c.Path) != n.Path {
				return fmt.Errorf("child %q is not directly below %q", c.Path, n.Path)
			}
			if err := check(c); err != nil {
				return err
			}
		}
		return nil
	}
	return check(root)
}

// SortChildren orders every directory's children: directories first, then
// by name.
func SortChildren(root *RepoNode) {
	Walk(root, func(n *RepoNode) bool {
		if len(n.Children) > 1 {
			sort.SliceStable(n.Children, func(i, j int) bool {
				a, b := n.Children[i], n.Children[j]
				if a.Kind != b.Kind {
					return a.Kind == KindDirectory
				}
				return a.Name < b.Name
			})
		}
		return true
	})
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func parentPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}
