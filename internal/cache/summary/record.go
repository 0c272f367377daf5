// Package summary is the two-tier summary cache: a bounded in-process tier in
// front of a remote kv.Store. Reads and writes fail open; a broken remote
// store degrades to misses and dropped writes, never to failed summaries.
package summary

import (
	"encoding/json"
	"fmt"
	"time"

	"repoviz/internal/tree"
)

// DefaultTTL applies to both summary and children-count records.
const DefaultTTL = 30 * 24 * time.Hour

// Record is one generated summary. FromCache is set on reads and never
// persisted.
type Record struct {
	Summary     string    `json:"summary"`
	GeneratedAt time.Time `json:"generatedAt"`
	Provider    string    `json:"provider"`
	FromCache   bool      `json:"-"`
}

// PathKind names one node for batch operations.
type PathKind struct {
	Path string    `json:"path"`
	Kind tree.Kind `json:"type"`
}

// Stats is the per-repository cache census.
type Stats struct {
	Total       int `json:"total"`
	Files       int `json:"files"`
	Directories int `json:"directories"`
	Children    int `json:"childrenCounts"`
}

func encodeRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(raw []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, fmt.Errorf("decode summary record: %w", err)
	}
	return r, nil
}

func decodeCount(raw []byte) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode children count: %w", err)
	}
	return n, nil
}
