package index

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIndex(t *testing.T, opts ...Option) *Index {
	t.Helper()
	ix, err := New(64, opts...)
	require.NoError(t, err)
	return ix
}

func resultIDs(results []Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Entity.ID
	}
	return ids
}

func findResult(t *testing.T, results []Result, id string) Result {
	t.Helper()
	for _, r := range results {
		if r.Entity.ID == id {
			return r
		}
	}
	t.Fatalf("entity %s not in results %v", id, resultIDs(results))
	return Result{}
}

func TestIngestAndGet(t *testing.T) {
	ix := testIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Ingest(ctx, Entity{
		ID:         "pkg/parser",
		Kind:       KindModule,
		Attributes: map[string]string{"language": "go"},
		Content:    "package parser implements tokenizing and parsing",
		Edges:      []Edge{{Kind: "import", To: "pkg/lexer"}},
	}))

	got, ok := ix.Get("pkg/parser")
	require.True(t, ok)
	assert.Equal(t, KindModule, got.Kind)
	assert.Equal(t, "go", got.Attributes["language"])
	assert.NotNil(t, got.Embedding)

	// Mutating the returned copy must not touch the index.
	got.Attributes["language"] = "rust"
	again, _ := ix.Get("pkg/parser")
	assert.Equal(t, "go", again.Attributes["language"])

	assert.Equal(t, 1, ix.Count())
	_, ok = ix.Get("absent")
	assert.False(t, ok)
}

func TestIngestRejectsEmptyID(t *testing.T) {
	ix := testIndex(t)
	assert.Error(t, ix.Ingest(context.Background(), Entity{Kind: KindFile}))
}

func TestIncrementalMerge(t *testing.T) {
	ix := testIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Ingest(ctx, Entity{
		ID:         "mod/a",
		Kind:       KindModule,
		Attributes: map[string]string{"path": "a.go", "owner": "core"},
		Edges:      []Edge{{Kind: "import", To: "mod/b"}},
	}))
	require.NoError(t, ix.Ingest(ctx, Entity{
		ID:         "mod/a",
		Attributes: map[string]string{"owner": "infra"},
		Edges: []Edge{
			{Kind: "import", To: "mod/b"}, // duplicate, must not double
			{Kind: "call", To: "mod/c"},
		},
	}))

	assert.Equal(t, 1, ix.Count(), "update must not create a second entity")

	got, _ := ix.Get("mod/a")
	assert.Equal(t, KindModule, got.Kind, "kind survives an update that omits it")
	assert.Equal(t, "a.go", got.Attributes["path"], "old attribute kept")
	assert.Equal(t, "infra", got.Attributes["owner"], "new attribute wins")
	assert.Equal(t, []Edge{
		{Kind: "import", To: "mod/b"},
		{Kind: "call", To: "mod/c"},
	}, got.Edges)

	// Adjacency reflects both directions.
	assert.Contains(t, ix.Neighbors("mod/a"), "mod/b")
	assert.Contains(t, ix.Neighbors("mod/b"), "mod/a")
	assert.Contains(t, ix.Neighbors("mod/c"), "mod/a")

	sum := ix.Summarize()
	assert.Equal(t, 1, sum.Entities)
	assert.Equal(t, 2, sum.Edges)
	assert.Equal(t, 1, sum.PerKind[KindModule])
}

func TestQueryOrderingDeterministic(t *testing.T) {
	ix := testIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Ingest(ctx,
		Entity{ID: "b-ent", Kind: KindSymbol, Content: "alpha beta gamma"},
		Entity{ID: "a-ent", Kind: KindSymbol, Content: "alpha beta gamma"},
		Entity{ID: "c-ent", Kind: KindSymbol, Content: "delta epsilon zeta"},
	))

	first, err := ix.Query(ctx, "alpha beta", 3)
	require.NoError(t, err)
	require.Len(t, first, 3)

	// Identical content ties on score; the id breaks the tie.
	assert.Equal(t, []string{"a-ent", "b-ent", "c-ent"}, resultIDs(first))
	assert.Equal(t, first[0].Score, first[1].Score)
	assert.Greater(t, first[1].Score, first[2].Score)

	// Stable across repeated calls with unchanged state.
	for i := 0; i < 5; i++ {
		again, err := ix.Query(ctx, "alpha beta", 3)
		require.NoError(t, err)
		assert.Equal(t, resultIDs(first), resultIDs(again), "call %d", i)
	}
}

func TestAnchorProximityShiftsRanking(t *testing.T) {
	ix := testIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Ingest(ctx,
		Entity{ID: "a-codec", Kind: KindModule, Content: "codec pack module"},
		Entity{ID: "z-codec", Kind: KindModule, Content: "codec pack module"},
		Entity{ID: "core", Kind: KindModule, Content: "core runtime",
			Edges: []Edge{{Kind: "import", To: "z-codec"}}},
	))

	// Without anchors the identical twins tie and sort by id.
	plain, err := ix.Query(ctx, "codec", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-codec", "z-codec"}, resultIDs(plain))

	// Anchored at core, z-codec gains graph proximity and overtakes.
	anchored, err := ix.Query(ctx, "codec", 2, "core")
	require.NoError(t, err)
	assert.Equal(t, "z-codec", anchored[0].Entity.ID)

	z := findResult(t, anchored, "z-codec")
	a := findResult(t, anchored, "a-codec")
	assert.Equal(t, 0.5, z.Proximity, "one hop from anchor")
	assert.Zero(t, a.Proximity, "unreachable from anchor")
	assert.Equal(t, z.Similarity, a.Similarity)
	assert.Greater(t, z.Score, a.Score)
}

func TestProximityDepthBound(t *testing.T) {
	ix := testIndex(t, WithMaxGraphDepth(2))
	ctx := context.Background()

	// Chain: hub -> n1 -> n2 -> n3. Every entity shares content so the
	// embedding ranks them equally and proximity separates them.
	require.NoError(t, ix.Ingest(ctx,
		Entity{ID: "hub", Content: "shared words here", Edges: []Edge{{Kind: "call", To: "n1"}}},
		Entity{ID: "n1", Content: "shared words here", Edges: []Edge{{Kind: "call", To: "n2"}}},
		Entity{ID: "n2", Content: "shared words here", Edges: []Edge{{Kind: "call", To: "n3"}}},
		Entity{ID: "n3", Content: "shared words here"},
	))

	results, err := ix.Query(ctx, "shared words", 4, "hub")
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, 1.0, findResult(t, results, "hub").Proximity, "anchor is at distance zero")
	assert.Equal(t, 0.5, findResult(t, results, "n1").Proximity)
	assert.InDelta(t, 1.0/3.0, findResult(t, results, "n2").Proximity, 1e-9)
	assert.Zero(t, findResult(t, results, "n3").Proximity, "beyond the depth bound")
}

func TestQueryTopK(t *testing.T) {
	ix := testIndex(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, ix.Ingest(ctx, Entity{
			ID:      fmt.Sprintf("ent-%02d", i),
			Content: fmt.Sprintf("entity number %d about indexing", i),
		}))
	}

	results, err := ix.Query(ctx, "indexing", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	none, err := ix.Query(ctx, "indexing", 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestQueryEmptyIndex(t *testing.T) {
	ix := testIndex(t)
	results, err := ix.Query(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestQueryEmptyPattern(t *testing.T) {
	ix := testIndex(t)
	require.NoError(t, ix.Ingest(context.Background(), Entity{ID: "e", Content: "text"}))
	_, err := ix.Query(context.Background(), "   ", 5)
	assert.Error(t, err)
}

func TestQueriesDuringIngestion(t *testing.T) {
	ix := testIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Ingest(ctx, Entity{ID: "seed", Content: "seed entity for queries"}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = ix.Ingest(ctx, Entity{
				ID:      fmt.Sprintf("stream-%03d", i),
				Content: fmt.Sprintf("streamed entity %d", i),
				Edges:   []Edge{{Kind: "reference", To: "seed"}},
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			results, err := ix.Query(ctx, "entity", 5, "seed")
			if err != nil {
				t.Error(err)
				return
			}
			if len(results) == 0 {
				t.Error("query returned nothing while seed is indexed")
				return
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 51, ix.Count())
}
