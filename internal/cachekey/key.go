// Package cachekey encodes and decodes the composite keys under which
// summaries and children counts are persisted.
//
// Summary keys look like summary:{owner}/{repo}:{path}:{kind} and children
// count keys like summarized-children:{owner}/{repo}:{path}. Paths must not
// contain ':'; repository paths using the separator are not supported.
package cachekey

import (
	"errors"
	"fmt"
	"strings"

	"repoviz/internal/tree"
)

const (
	SummaryNamespace  = "summary"
	ChildrenNamespace = "summarized-children"

	sep = ":"
)

var (
	// ErrInvalidRepoReference marks a malformed owner/repo identifier.
	ErrInvalidRepoReference = errors.New("invalid repository reference")
	// ErrInvalidPath marks a path that cannot be encoded in a key.
	ErrInvalidPath = errors.New("invalid path for cache key")
	// ErrMalformedKey marks a string that is not a key of the expected family.
	ErrMalformedKey = errors.New("malformed cache key")
)

// RepoRef identifies a repository.
type RepoRef struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

func (r RepoRef) String() string { return r.Owner + "/" + r.Repo }

// Validate checks that owner and repo are usable as key segments.
func (r RepoRef) Validate() error {
	if err := validSegment(r.Owner); err != nil {
		return fmt.Errorf("%w: owner %q %s", ErrInvalidRepoReference, r.Owner, err)
	}
	if err := validSegment(r.Repo); err != nil {
		return fmt.Errorf("%w: repo %q %s", ErrInvalidRepoReference, r.Repo, err)
	}
	return nil
}

// ParseRepoRef accepts "owner/repo" and GitHub URLs such as
// https://github.com/owner/repo.git.
func ParseRepoRef(s string) (RepoRef, error) {
	raw := strings.TrimSpace(s)
	v := raw
	for _, prefix := range []string{"https://", "http://"} {
		v = strings.TrimPrefix(v, prefix)
	}
	v = strings.TrimPrefix(v, "www.")
	v = strings.TrimPrefix(v, "github.com/")
	v = strings.TrimSuffix(strings.TrimSuffix(v, "/"), ".git")
	parts := strings.Split(v, "/")
	if len(parts) != 2 {
		return RepoRef{}, fmt.Errorf("%w: %q, use \"owner/repo\"", ErrInvalidRepoReference, raw)
	}
	ref := RepoRef{Owner: parts[0], Repo: parts[1]}
	if err := ref.Validate(); err != nil {
		return RepoRef{}, err
	}
	return ref, nil
}

// SummaryKey identifies the summary of one node.
type SummaryKey struct {
	RepoRef
	Path string
	Kind tree.Kind
}

// ChildrenKey identifies the children-summarized count of one directory.
type ChildrenKey struct {
	RepoRef
	Path string
}

func NewSummaryKey(owner, repo, path string, kind tree.Kind) SummaryKey {
	return SummaryKey{RepoRef: RepoRef{Owner: owner, Repo: repo}, Path: path, Kind: kind}
}

func NewChildrenKey(owner, repo, path string) ChildrenKey {
	return ChildrenKey{RepoRef: RepoRef{Owner: owner, Repo: repo}, Path: path}
}

func (k SummaryKey) Validate() error {
	if err := k.RepoRef.Validate(); err != nil {
		return err
	}
	if err := validPath(k.Path); err != nil {
		return err
	}
	if !k.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedKey, k.Kind)
	}
	return nil
}

// Encode returns the key string after validating every field.
func (k SummaryKey) Encode() (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k.String(), nil
}

// String renders the key without validation.
func (k SummaryKey) String() string {
	return SummaryPrefix(k.Owner, k.Repo) + k.Path + sep + string(k.Kind)
}

// ChildrenKey returns the children count key of the same node.
func (k SummaryKey) ChildrenKey() ChildrenKey {
	return ChildrenKey{RepoRef: k.RepoRef, Path: k.Path}
}

// NodeID returns the owner/repo:path identity of the node.
func (k SummaryKey) NodeID() string { return NodeID(k.Owner, k.Repo, k.Path) }

func (k ChildrenKey) Validate() error {
	if err := k.RepoRef.Validate(); err != nil {
		return err
	}
	return validPath(k.Path)
}

func (k ChildrenKey) Encode() (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k.String(), nil
}

func (k ChildrenKey) String() string {
	return ChildrenPrefix(k.Owner, k.Repo) + k.Path
}

func (k ChildrenKey) NodeID() string { return NodeID(k.Owner, k.Repo, k.Path) }

// DecodeSummaryKey is the inverse of SummaryKey.Encode.
func DecodeSummaryKey(s string) (SummaryKey, error) {
	rest, ok := strings.CutPrefix(s, SummaryNamespace+sep)
	if !ok {
		return SummaryKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}
	parts := strings.Split(rest, sep)
	if len(parts) != 3 {
		return SummaryKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}
	ref, err := splitRepo(parts[0])
	if err != nil {
		return SummaryKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}
	k := SummaryKey{RepoRef: ref, Path: parts[1], Kind: tree.Kind(parts[2])}
	if err := k.Validate(); err != nil {
		return SummaryKey{}, err
	}
	return k, nil
}

// DecodeChildrenKey is the inverse of ChildrenKey.Encode.
func DecodeChildrenKey(s string) (ChildrenKey, error) {
	rest, ok := strings.CutPrefix(s, ChildrenNamespace+sep)
	if !ok {
		return ChildrenKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}
	parts := strings.Split(rest, sep)
	if len(parts) != 2 {
		return ChildrenKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}
	ref, err := splitRepo(parts[0])
	if err != nil {
		return ChildrenKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}
	k := ChildrenKey{RepoRef: ref, Path: parts[1]}
	if err := k.Validate(); err != nil {
		return ChildrenKey{}, err
	}
	return k, nil
}

// SummaryPrefix is the prefix shared by every summary key of a repository.
func SummaryPrefix(owner, repo string) string {
	return SummaryNamespace + sep + owner + "/" + repo + sep
}

// ChildrenPrefix is the prefix shared by every children count key of a
// repository.
func ChildrenPrefix(owner, repo string) string {
	return ChildrenNamespace + sep + owner + "/" + repo + sep
}

// NodeID is the owner/repo:path identity used by bulk-load maps and
// pending update sets.
func NodeID(owner, repo, path string) string {
	return owner + "/" + repo + sep + path
}

// SplitNodeID is the inverse of NodeID.
func SplitNodeID(id string) (RepoRef, string, error) {
	repoPart, path, ok := strings.Cut(id, sep)
	if !ok {
		return RepoRef{}, "", fmt.Errorf("%w: node id %q", ErrMalformedKey, id)
	}
	ref, err := splitRepo(repoPart)
	if err != nil {
		return RepoRef{}, "", err
	}
	return ref, path, nil
}

func splitRepo(s string) (RepoRef, error) {
	owner, repo, ok := strings.Cut(s, "/")
	if !ok {
		return RepoRef{}, fmt.Errorf("%w: %q", ErrInvalidRepoReference, s)
	}
	ref := RepoRef{Owner: owner, Repo: repo}
	return ref, ref.Validate()
}

func validSegment(s string) error {
	switch {
	case strings.TrimSpace(s) == "":
		return errors.New("is empty")
	case strings.ContainsAny(s, "/"+sep):
		return errors.New("contains a separator")
	case strings.ContainsAny(s, " \t\r\n*?"):
		return errors.New("contains whitespace or a wildcard")
	}
	return nil
}

func validPath(p string) error {
	if strings.Contains(p, sep) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidPath, p, sep)
	}
	return nil
}
