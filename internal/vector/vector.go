// Package vector defines the embedding store contract shared by the sync
// pipeline and the search service.
package vector

import "context"

// Record is the durable unit: one embedded source row.
type Record struct {
	ID         string
	SchemaName string
	TableName  string
	Content    string
	Embedding  []float32
	Metadata   map[string]any
}

// Result is one search hit. Similarity is the raw cosine similarity;
// Score is the final ranking value after boosting or shortcut assignment.
type Result struct {
	ID         string
	SchemaName string
	TableName  string
	Content    string
	Similarity float64
	Score      float64
	Metadata   map[string]any
}

// SearchQuery is a filtered nearest-neighbour request.
type SearchQuery struct {
	SchemaName    string
	TableName     string // optional
	Vector        []float32
	MinSimilarity float64
	Limit         int
	// Filters maps a metadata field to either a scalar (equality) or an
	// operator map with keys gte, lte, contains, exists.
	Filters map[string]any
}

// AggregateQuery orders rows by a numeric metadata field, no vector involved.
type AggregateQuery struct {
	SchemaName string
	TableName  string // optional
	Field      string
	Descending bool
	Limit      int
}

// KeywordQuery is an ILIKE scan over stored content with prioritized scoring.
type KeywordQuery struct {
	SchemaName string
	TableName  string // optional
	Phrase     string
	Terms      []string
	Limit      int
}

// Store is the vector storage contract.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	UpsertMany(ctx context.Context, recs []Record) error
	DeleteByID(ctx context.Context, id string) error
	DeleteBySchemaTable(ctx context.Context, schema, table string) error
	Search(ctx context.Context, q SearchQuery) ([]Result, error)
	AggregateLookup(ctx context.Context, q AggregateQuery) ([]Result, error)
	KeywordSearch(ctx context.Context, q KeywordQuery) ([]Result, error)
	FetchOne(ctx context.Context, id string) (*Record, error)
	CountBySchemaTable(ctx context.Context, schema, table string) (int64, error)
}

// DistanceToSimilarity converts cosine distance to cosine similarity.
func DistanceToSimilarity(distance float64) float64 {
	return 1 - distance
}
