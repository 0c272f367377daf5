package summarize

import (
	"context"
	"path"
	"sort"

	"repoviz/internal/cache/summary"
	"repoviz/internal/cachekey"
)

// CachedSummaries lists every cached summary of a repository as prompt
// input, ordered by path.
func CachedSummaries(ctx context.Context, store *summary.Store, repo cachekey.RepoRef) ([]NodeSummary, error) {
	if err := repo.Validate(); err != nil {
		return nil, err
	}
	keys, err := store.ListByPrefix(ctx, cachekey.SummaryPrefix(repo.Owner, repo.Repo))
	if err != nil {
		return nil, err
	}
	parsed := make([]cachekey.SummaryKey, 0, len(keys))
	for _, k := range keys {
		if sk, err := cachekey.DecodeSummaryKey(k); err == nil {
			parsed = append(parsed, sk)
		}
	}
	recs := store.BatchGet(ctx, parsed)
	out := make([]NodeSummary, 0, len(recs))
	for _, sk := range parsed {
		rec, ok := recs[sk]
		if !ok {
			continue
		}
		name := path.Base(sk.Path)
		if sk.Path == "" {
			name = repo.Repo
		}
		out = append(out, NodeSummary{Kind: sk.Kind, Name: name, Path: sk.Path, Summary: rec.Summary})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
