// Package github reads repository trees and raw file contents from the
// GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"repoviz/internal/cachekey"
	"repoviz/internal/tree"
)

const defaultBaseURL = "https://api.github.com"

// ErrContentFetch matches every *ContentFetchError.
var ErrContentFetch = errors.New("failed to fetch file content")

// ContentFetchError is a non-2xx response from the contents or tree API.
type ContentFetchError struct {
	Status      int
	StatusText  string
	Message     string
	RateLimited bool
}

func (e *ContentFetchError) Error() string {
	if e.RateLimited {
		return "API rate limit exceeded. Please provide a GitHub token to increase the limit."
	}
	msg := e.Message
	if msg == "" {
		msg = e.StatusText
	}
	return fmt.Sprintf("%s: %s", ErrContentFetch.Error(), msg)
}

func (e *ContentFetchError) Is(target error) bool { return target == ErrContentFetch }

// NotFound reports a 404, which usually means a removed file or a private
// repository without a token.
func (e *ContentFetchError) NotFound() bool { return e.Status == http.StatusNotFound }

type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{http: hc, baseURL: base, token: strings.TrimSpace(opts.Token)}
}

// WithToken returns a copy authenticating as token; empty keeps the current
// token.
func (c *Client) WithToken(token string) *Client {
	token = strings.TrimSpace(token)
	if token == "" {
		return c
	}
	cp := *c
	cp.token = token
	return &cp
}

// FetchFileContent returns the raw bytes of path at branch as text.
func (c *Client) FetchFileContent(ctx context.Context, repo cachekey.RepoRef, path, branch string) (string, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, url.PathEscape(repo.Owner), url.PathEscape(repo.Repo), escapePath(path))
	if branch != "" {
		u += "?ref=" + url.QueryEscape(branch)
	}
	resp, err := c.get(ctx, u, "application/vnd.github.v3.raw")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(raw), nil
}

type repoInfo struct {
	DefaultBranch string `json:"default_branch"`
}

func (c *Client) DefaultBranch(ctx context.Context, repo cachekey.RepoRef) (string, error) {
	u := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, url.PathEscape(repo.Owner), url.PathEscape(repo.Repo))
	resp, err := c.get(ctx, u, "application/vnd.github.v3+json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode repository: %w", err)
	}
	if info.DefaultBranch == "" {
		return "", fmt.Errorf("repository %s has no default branch", repo)
	}
	return info.DefaultBranch, nil
}

type treeResp struct {
	Tree []struct {
		Path string `json:"path"`
		Type string `json:"type"`
		Size int64  `json:"size"`
	} `json:"tree"`
	Truncated bool `json:"truncated"`
}

// Snapshot is a fetched tree together with the branch it came from.
type Snapshot struct {
	Root      *tree.RepoNode
	Branch    string
	Truncated bool
}

// FetchTree reads the recursive git tree of branch, or the default branch
// when branch is empty. Submodules are skipped.
func (c *Client) FetchTree(ctx context.Context, repo cachekey.RepoRef, branch string) (Snapshot, error) {
	if branch == "" {
		b, err := c.DefaultBranch(ctx, repo)
		if err != nil {
			return Snapshot{}, err
		}
		branch = b
	}
	u := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1", c.baseURL, url.PathEscape(repo.Owner), url.PathEscape(repo.Repo), url.PathEscape(branch))
	resp, err := c.get(ctx, u, "application/vnd.github.v3+json")
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	var tr treeResp
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Snapshot{}, fmt.Errorf("decode tree: %w", err)
	}
	entries := make([]tree.Entry, 0, len(tr.Tree))
	for _, it := range tr.Tree {
		kind, err := tree.ParseKind(it.Type)
		if err != nil {
			continue
		}
		entries = append(entries, tree.Entry{Path: it.Path, Kind: kind, Size: it.Size})
	}
	return Snapshot{Root: tree.Build(repo.Repo, entries), Branch: branch, Truncated: tr.Truncated}, nil
}

func (c *Client) get(ctx context.Context, u, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	fe := &ContentFetchError{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode)}
	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("x-ratelimit-remaining") == "0" {
		fe.RateLimited = true
	}
	var body struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil {
		fe.Message = body.Message
	}
	return nil, fe
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
