// Package gitsource serves repository snapshots and file contents from a
// local clone so reconciliation can run without the GitHub API.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"repoviz/internal/cachekey"
	"repoviz/internal/tree"
)

// ErrNotFound is returned for a path absent from the requested revision.
var ErrNotFound = errors.New("file not found in revision")

// Repository wraps a go-git repository.
type Repository struct {
	repo *git.Repository
	path string
}

// Open opens an existing clone; the working tree may be dirty, only
// committed state is read.
func Open(repoPath string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Repository{repo: repo, path: repoPath}, nil
}

func FromRepository(repo *git.Repository, name string) *Repository {
	return &Repository{repo: repo, path: name}
}

// Name is the directory name of the clone, used as the snapshot root name.
func (r *Repository) Name() string {
	abs, err := filepath.Abs(r.path)
	if err != nil {
		return filepath.Base(r.path)
	}
	return filepath.Base(abs)
}

// ResolveRef resolves a branch, tag, or commit hash; empty means HEAD.
func (r *Repository) ResolveRef(refName string) (*object.Commit, error) {
	if refName == "" || refName == "HEAD" {
		head, err := r.repo.Head()
		if err != nil {
			return nil, fmt.Errorf("resolving HEAD: %w", err)
		}
		return r.repo.CommitObject(head.Hash())
	}
	for _, name := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(refName),
		plumbing.NewRemoteReferenceName("origin", refName),
		plumbing.NewTagReferenceName(refName),
	} {
		ref, err := r.repo.Reference(name, true)
		if err != nil {
			continue
		}
		commit, err := r.repo.CommitObject(ref.Hash())
		if err == nil {
			return commit, nil
		}
		// Annotated tags point at a tag object.
		if tag, terr := r.repo.TagObject(ref.Hash()); terr == nil {
			return tag.Commit()
		}
		return nil, fmt.Errorf("getting commit: %w", err)
	}
	hash, err := r.repo.ResolveRevision(plumbing.Revision(refName))
	if err != nil {
		return nil, fmt.Errorf("resolving ref %q: not a branch, tag, or commit hash", refName)
	}
	return r.repo.CommitObject(*hash)
}

// Snapshot builds the tree of rev with blob sizes.
func (r *Repository) Snapshot(ctx context.Context, rev string) (*tree.RepoNode, error) {
	commit, err := r.ResolveRef(rev)
	if err != nil {
		return nil, err
	}
	t, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting tree: %w", err)
	}
	var entries []tree.Entry
	err = t.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries = append(entries, tree.Entry{Path: f.Name, Kind: tree.KindFile, Size: f.Size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree.Build(r.Name(), entries), nil
}

// FetchFileContent reads path at branch. The repository argument is
// ignored; a Repository serves exactly one clone.
func (r *Repository) FetchFileContent(ctx context.Context, _ cachekey.RepoRef, path, branch string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	commit, err := r.ResolveRef(branch)
	if err != nil {
		return "", err
	}
	f, err := commit.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("getting file %s: %w", path, err)
	}
	reader, err := f.Reader()
	if err != nil {
		return "", fmt.Errorf("opening file %s: %w", path, err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading file %s: %w", path, err)
	}
	return string(content), nil
}

// CommitHash returns the hash rev resolves to.
func (r *Repository) CommitHash(rev string) (string, error) {
	c, err := r.ResolveRef(rev)
	if err != nil {
		return "", err
	}
	return c.Hash.String(), nil
}
