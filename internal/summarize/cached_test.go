package summarize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repoviz/internal/cache/summary"
	"repoviz/internal/cachekey"
	"repoviz/internal/repository/kv"
	"repoviz/internal/tree"
)

func TestCachedSummariesOrdersByPath(t *testing.T) {
	ctx := context.Background()
	store := summary.NewStore(kv.NewMemoryStore(0), nil, summary.DefaultCacheConfig())
	store.PutSummary(ctx, cachekey.NewSummaryKey("o", "r", "src/main.go", tree.KindFile), summary.Record{Summary: "entry point"})
	store.PutSummary(ctx, cachekey.NewSummaryKey("o", "r", "", tree.KindDirectory), summary.Record{Summary: "root"})
	store.PutSummary(ctx, cachekey.NewSummaryKey("o", "other", "x.go", tree.KindFile), summary.Record{Summary: "elsewhere"})

	got, err := CachedSummaries(ctx, store, cachekey.RepoRef{Owner: "o", Repo: "r"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, NodeSummary{Kind: tree.KindDirectory, Name: "r", Path: "", Summary: "root"}, got[0])
	assert.Equal(t, NodeSummary{Kind: tree.KindFile, Name: "main.go", Path: "src/main.go", Summary: "entry point"}, got[1])

	_, err = CachedSummaries(ctx, store, cachekey.RepoRef{Owner: "bad owner", Repo: "r"})
	assert.ErrorIs(t, err, cachekey.ErrInvalidRepoReference)
}
