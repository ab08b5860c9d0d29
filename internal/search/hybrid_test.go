package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atamadata/atabot/internal/vector"
)

// fakeStore serves canned results and records which path was used.
type fakeStore struct {
	aggregateResults []vector.Result
	keywordResults   []vector.Result
	searchResults    []vector.Result

	aggregateQuery *vector.AggregateQuery
	keywordQuery   *vector.KeywordQuery
	searchQuery    *vector.SearchQuery
}

func (f *fakeStore) Upsert(context.Context, vector.Record) error        { return nil }
func (f *fakeStore) UpsertMany(context.Context, []vector.Record) error  { return nil }
func (f *fakeStore) DeleteByID(context.Context, string) error           { return nil }
func (f *fakeStore) DeleteBySchemaTable(context.Context, string, string) error {
	return nil
}

func (f *fakeStore) Search(_ context.Context, q vector.SearchQuery) ([]vector.Result, error) {
	f.searchQuery = &q
	return f.searchResults, nil
}

func (f *fakeStore) AggregateLookup(_ context.Context, q vector.AggregateQuery) ([]vector.Result, error) {
	f.aggregateQuery = &q
	return f.aggregateResults, nil
}

func (f *fakeStore) KeywordSearch(_ context.Context, q vector.KeywordQuery) ([]vector.Result, error) {
	f.keywordQuery = &q
	return f.keywordResults, nil
}

func (f *fakeStore) FetchOne(context.Context, string) (*vector.Record, error) { return nil, nil }
func (f *fakeStore) CountBySchemaTable(context.Context, string, string) (int64, error) {
	return 0, nil
}

// fakeEmbedder counts calls; tests of the non-vector paths require zero.
type fakeEmbedder struct {
	calls int
	vec   []float32
}

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	f.calls++
	return f.vec, nil
}

func result(id, content string, sim float64, meta map[string]any) vector.Result {
	return vector.Result{
		ID:         id,
		SchemaName: "public",
		TableName:  "products",
		Content:    content,
		Similarity: sim,
		Metadata:   meta,
	}
}

func TestAggregationShortcutSkipsEmbedding(t *testing.T) {
	store := &fakeStore{
		aggregateResults: []vector.Result{
			result("1", "Product A. stock: 42", 0, map[string]any{"im_stock": 42.0}),
			result("2", "Product B. stock: 17", 0, map[string]any{"im_stock": 17.0}),
			result("3", "Product C. stock: 5", 0, map[string]any{"im_stock": 5.0}),
		},
	}
	embedder := &fakeEmbedder{}
	svc, err := NewService(store, embedder)
	require.NoError(t, err)

	results, err := svc.Search(context.Background(), "produk dengan stok paling banyak", Options{
		Schema: "public",
		TopK:   5,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 0, embedder.calls, "aggregation shortcut must not embed")
	require.NotNil(t, store.aggregateQuery)
	assert.Equal(t, "im_stock", store.aggregateQuery.Field)
	assert.True(t, store.aggregateQuery.Descending)

	assert.InDelta(t, 1.00, results[0].Score, 1e-9)
	assert.InDelta(t, 0.95, results[1].Score, 1e-9)
	assert.InDelta(t, 0.90, results[2].Score, 1e-9)
}

func TestAggregationShortcutAscending(t *testing.T) {
	store := &fakeStore{}
	svc, _ := NewService(store, &fakeEmbedder{})

	_, err := svc.Search(context.Background(), "which product is cheapest", Options{Schema: "public"})
	require.NoError(t, err)
	require.NotNil(t, store.aggregateQuery)
	assert.Equal(t, "im_price", store.aggregateQuery.Field)
	assert.False(t, store.aggregateQuery.Descending)
}

func TestShortProductQueryUsesKeywordFastPath(t *testing.T) {
	store := &fakeStore{
		keywordResults: []vector.Result{
			{ID: "1", Content: "ALO 500 bottle", Score: 1.0},
			{ID: "2", Content: "ALO 1000 bottle", Score: 0.9},
		},
	}
	embedder := &fakeEmbedder{}
	svc, _ := NewService(store, embedder)

	results, err := svc.Search(context.Background(), "stok ALO", Options{Schema: "public"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 0, embedder.calls, "keyword fast path must not embed")
	require.NotNil(t, store.keywordQuery)
	assert.Equal(t, []string{"ALO"}, store.keywordQuery.Terms)
	assert.GreaterOrEqual(t, results[0].Score, 0.8)
}

func TestKeywordMissFallsThroughToVector(t *testing.T) {
	store := &fakeStore{
		keywordResults: nil, // no lexical hits
		searchResults: []vector.Result{
			result("1", "ALO 500 bottle", 0.9, nil),
		},
	}
	embedder := &fakeEmbedder{vec: []float32{0.1, 0.2}}
	svc, _ := NewService(store, embedder)

	results, err := svc.Search(context.Background(), "stok ALO", Options{Schema: "public"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, embedder.calls)
}

func TestVectorPathRerankBlendsLexicalBoost(t *testing.T) {
	store := &fakeStore{
		searchResults: []vector.Result{
			result("plain", "laptop kantor bekas", 0.85, nil),
			result("match", "laptop gaming murah", 0.80, nil),
		},
	}
	embedder := &fakeEmbedder{vec: []float32{0.5}}
	svc, _ := NewService(store, embedder)

	results, err := svc.Search(context.Background(), "rekomendasi laptop gaming terbaik harga menengah",
		Options{Schema: "public", TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// The full-phrase match outranks the higher-similarity row.
	assert.Equal(t, "match", results[0].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, 1, embedder.calls)

	require.NotNil(t, store.searchQuery)
	assert.Equal(t, 20, store.searchQuery.Limit, "vector path over-fetches for re-ranking")
}

func TestVectorPathTruncatesToTopK(t *testing.T) {
	var canned []vector.Result
	for i := 0; i < 8; i++ {
		canned = append(canned, result("r", "content", 0.9, nil))
	}
	store := &fakeStore{searchResults: canned}
	svc, _ := NewService(store, &fakeEmbedder{vec: []float32{1}})

	results, err := svc.Search(context.Background(), "generic question about everything",
		Options{Schema: "public", TopK: 3})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestVectorOnlySkipsFastPaths(t *testing.T) {
	store := &fakeStore{searchResults: []vector.Result{result("1", "x", 0.9, nil)}}
	embedder := &fakeEmbedder{vec: []float32{1}}
	svc, _ := NewService(store, embedder)

	_, err := svc.Search(context.Background(), "stok paling banyak",
		Options{Schema: "public", VectorOnly: true})
	require.NoError(t, err)
	assert.Nil(t, store.aggregateQuery)
	assert.Equal(t, 1, embedder.calls)
}

func TestShortProductTerms(t *testing.T) {
	terms, ok := shortProductTerms("stok ALO")
	require.True(t, ok)
	assert.Equal(t, []string{"ALO"}, terms)

	_, ok = shortProductTerms("berapa stok produk")
	assert.False(t, ok, "all context words leaves nothing to match")

	_, ok = shortProductTerms("extraordinary merchandise")
	assert.False(t, ok, "long tokens are not product codes")
}

func TestContentBoost(t *testing.T) {
	terms := []string{"laptop", "gaming"}

	full := contentBoost(terms, "Laptop gaming murah berkualitas")
	assert.InDelta(t, 1.0, full, 1e-9, "both words plus sequence bonus, clamped")

	partial := contentBoost(terms, "laptopcase holder")
	assert.InDelta(t, 0.25, partial, 1e-9, "one partial hit out of two terms")

	assert.Equal(t, 0.0, contentBoost(terms, "unrelated content"))
}
