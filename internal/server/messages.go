package server

import (
	"time"

	"repoviz/internal/cache/summary"
	"repoviz/internal/diff"
	"repoviz/internal/reconcile"
	"repoviz/internal/summarize"
	"repoviz/internal/tree"
)

// Credentials travel in the body or in the X-LLM-API-Key and
// X-GitHub-Token headers; headers win.
type Credentials struct {
	Provider    string `json:"provider,omitempty"`
	APIKey      string `json:"apiKey,omitempty"`
	GitHubToken string `json:"githubToken,omitempty"`
}

type RepoRequest struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

type SummaryResponse struct {
	Summary     string    `json:"summary"`
	GeneratedAt time.Time `json:"generatedAt"`
	Provider    string    `json:"provider"`
	FromCache   bool      `json:"fromCache"`
}

func toSummaryResponse(r summary.Record) *SummaryResponse {
	return &SummaryResponse{Summary: r.Summary, GeneratedAt: r.GeneratedAt, Provider: r.Provider, FromCache: r.FromCache}
}

// SummarizeFileRequest summarizes Content, or the file at Path on Branch
// when Content is empty.
type SummarizeFileRequest struct {
	RepoRequest
	Credentials
	Path         string `json:"path"`
	FileName     string `json:"fileName,omitempty"`
	Content      string `json:"content,omitempty"`
	Branch       string `json:"branch,omitempty"`
	ForceRefresh bool   `json:"forceRefresh,omitempty"`
}

type SummarizeDirectoryRequest struct {
	RepoRequest
	Credentials
	Path         string                  `json:"path"`
	Name         string                  `json:"name,omitempty"`
	Children     []summarize.NodeSummary `json:"children"`
	ForceRefresh bool                    `json:"forceRefresh,omitempty"`
}

type LoadSummariesResponse struct {
	Summaries map[string]SummaryResponse `json:"summaries"`
}

type LoadChildrenCountsResponse struct {
	Counts map[string]int `json:"counts"`
}

type DeleteSummaryRequest struct {
	RepoRequest
	Path string    `json:"path"`
	Kind tree.Kind `json:"type"`
}

type BatchDeleteSummariesRequest struct {
	RepoRequest
	Items []summary.PathKind `json:"items"`
}

type DeleteResponse struct {
	OK bool `json:"ok"`
}

type DetectChangesRequest struct {
	Current  *tree.RepoNode `json:"current"`
	Previous *tree.RepoNode `json:"previous"`
	// Unified also renders a "path size" listing diff.
	Unified bool `json:"unified,omitempty"`
}

type DetectChangesResponse struct {
	Changes []diff.Change           `json:"changes"`
	Counts  map[diff.ChangeType]int `json:"counts"`
	Unified string                  `json:"unified,omitempty"`
}

type CacheStatsResponse struct {
	summary.Stats
	Local summary.MetricsSnapshot `json:"local"`
}

type AskRequest struct {
	RepoRequest
	Credentials
	Question string `json:"question"`
	// Summaries defaults to every cached summary of the repository.
	Summaries []summarize.NodeSummary `json:"summaries,omitempty"`
}

type AskResponse struct {
	Answer string `json:"answer"`
}

type IsSummarizableRequest struct {
	FileName string `json:"fileName"`
}

type IsSummarizableResponse struct {
	Summarizable bool `json:"summarizable"`
}

// ReconcileRequest runs the batch engine. Tree defaults to the GitHub tree
// of Branch.
type ReconcileRequest struct {
	RepoRequest
	Credentials
	Branch   string         `json:"branch,omitempty"`
	Selected []string       `json:"selected"`
	Refresh  []string       `json:"refresh,omitempty"`
	Tree     *tree.RepoNode `json:"tree,omitempty"`
}

type ObserveSnapshotRequest struct {
	RepoRequest
	Credentials
	Branch string         `json:"branch,omitempty"`
	Tree   *tree.RepoNode `json:"tree,omitempty"`
}

type ObserveSnapshotResponse struct {
	SameRepo bool             `json:"sameRepo"`
	Branch   string           `json:"branch,omitempty"`
	Changes  []diff.Change    `json:"changes"`
	Pending  []*tree.RepoNode `json:"pending"`
}

// ApplyChangesRequest applies Changes, or the pending set as updates when
// Changes is empty.
type ApplyChangesRequest struct {
	ReconcileRequest
	Changes []diff.Change `json:"changes,omitempty"`
}

type TallyResponse struct {
	RunID string          `json:"runId"`
	Tally reconcile.Tally `json:"tally"`
}
