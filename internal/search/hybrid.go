// Package search implements hybrid retrieval: deterministic aggregation
// shortcuts, a keyword fast path for short product-like queries, and the
// vector path with lexical re-ranking.
package search

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/atamadata/atabot/internal/vector"
)

const (
	// Final score weights on the vector path.
	similarityWeight = 0.7
	boostWeight      = 0.3
	sequenceBonus    = 0.3
	partialHitWeight = 0.5

	defaultMinSimilarity = 0.5
	defaultTopK          = 10
)

// QueryEmbedder produces a query-typed embedding; the queue implements it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// aggregateRule maps a superlative phrasing to a metadata ordering.
type aggregateRule struct {
	pattern    *regexp.Regexp
	field      string
	descending bool
}

var aggregateRules = []aggregateRule{
	{regexp.MustCompile(`(?i)stok\s+paling\s+banyak|stok\s+terbanyak|stock\s+tertinggi|highest\s+stock|most\s+stock`), "im_stock", true},
	{regexp.MustCompile(`(?i)stok\s+paling\s+sedikit|stok\s+tersedikit|lowest\s+stock|least\s+stock`), "im_stock", false},
	{regexp.MustCompile(`(?i)harga\s+tertinggi|paling\s+mahal|termahal|highest\s+price|most\s+expensive`), "im_price", true},
	{regexp.MustCompile(`(?i)harga\s+terendah|paling\s+murah|termurah|lowest\s+price|cheapest`), "im_price", false},
}

// productContextWords are dropped before judging whether a query is a short
// product lookup.
var productContextWords = map[string]bool{
	"stok": true, "stock": true, "produk": true, "product": true,
	"program": true, "cari": true, "search": true, "find": true,
	"berapa": true, "harga": true, "price": true,
}

// Options tunes one search call.
type Options struct {
	Schema        string
	Table         string
	TopK          int
	MinSimilarity float64
	Filters       map[string]any
	// VectorOnly skips the aggregation and keyword fast paths.
	VectorOnly bool
}

// Service is the hybrid search engine.
type Service struct {
	vectors  vector.Store
	embedder QueryEmbedder
}

// NewService creates a hybrid search service.
func NewService(vectors vector.Store, embedder QueryEmbedder) (*Service, error) {
	if vectors == nil || embedder == nil {
		return nil, fmt.Errorf("vectors and embedder are required")
	}
	return &Service{vectors: vectors, embedder: embedder}, nil
}

// Search ranks stored content against the query. Aggregation shortcuts and
// the keyword fast path return without any provider call.
func (s *Service) Search(ctx context.Context, query string, opts Options) ([]vector.Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = defaultMinSimilarity
	}

	if opts.VectorOnly {
		return s.vectorSearch(ctx, query, opts)
	}

	if field, desc, ok := matchAggregate(query); ok {
		log.Debug().Str("field", field).Bool("desc", desc).Msg("Aggregation shortcut")
		return s.aggregate(ctx, field, desc, opts)
	}

	if terms, ok := shortProductTerms(query); ok {
		results, err := s.vectors.KeywordSearch(ctx, vector.KeywordQuery{
			SchemaName: opts.Schema,
			TableName:  opts.Table,
			Phrase:     strings.Join(terms, " "),
			Terms:      terms,
			Limit:      opts.TopK,
		})
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			log.Debug().Strs("terms", terms).Int("hits", len(results)).Msg("Keyword fast path")
			return results, nil
		}
	}

	return s.vectorSearch(ctx, query, opts)
}

// aggregate serves superlative queries straight from metadata ordering,
// assigning descending synthetic scores.
func (s *Service) aggregate(ctx context.Context, field string, desc bool, opts Options) ([]vector.Result, error) {
	results, err := s.vectors.AggregateLookup(ctx, vector.AggregateQuery{
		SchemaName: opts.Schema,
		TableName:  opts.Table,
		Field:      field,
		Descending: desc,
		Limit:      opts.TopK,
	})
	if err != nil {
		return nil, err
	}
	for i := range results {
		score := 1.0 - 0.05*float64(i)
		if score < 0.05 {
			score = 0.05
		}
		results[i].Score = score
	}
	return results, nil
}

// vectorSearch embeds the query, over-fetches, drops low-similarity rows and
// re-ranks by blended lexical boost.
func (s *Service) vectorSearch(ctx context.Context, query string, opts Options) ([]vector.Result, error) {
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := s.vectors.Search(ctx, vector.SearchQuery{
		SchemaName:    opts.Schema,
		TableName:     opts.Table,
		Vector:        vec,
		MinSimilarity: opts.MinSimilarity,
		Limit:         2 * opts.TopK, // slack for re-ranking
		Filters:       opts.Filters,
	})
	if err != nil {
		return nil, err
	}

	terms := queryTerms(query)
	for i := range results {
		boost := contentBoost(terms, results[i].Content)
		results[i].Score = similarityWeight*results[i].Similarity + boostWeight*boost
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

// matchAggregate detects superlative phrasings.
func matchAggregate(query string) (field string, descending, ok bool) {
	for _, rule := range aggregateRules {
		if rule.pattern.MatchString(query) {
			return rule.field, rule.descending, true
		}
	}
	return "", false, false
}

// shortProductTerms reports whether the query looks like a bare product
// lookup: after stripping context words, one to four tokens of 2-6
// characters remain.
func shortProductTerms(query string) ([]string, bool) {
	var terms []string
	for _, tok := range tokenize(query) {
		if productContextWords[strings.ToLower(tok)] {
			continue
		}
		terms = append(terms, tok)
	}
	if len(terms) == 0 || len(terms) > 4 {
		return nil, false
	}
	for _, t := range terms {
		if len(t) < 2 || len(t) > 6 {
			return nil, false
		}
	}
	return terms, true
}

// queryTerms lowercases and tokenizes a query, dropping single characters.
func queryTerms(query string) []string {
	var terms []string
	for _, tok := range tokenize(strings.ToLower(query)) {
		if len(tok) > 1 {
			terms = append(terms, tok)
		}
	}
	return terms
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
}

// contentBoost scores lexical overlap: whole-word hits count fully, partial
// hits half, plus a bonus when the first two terms appear in order.
func contentBoost(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	words := make(map[string]bool)
	for _, w := range tokenize(lower) {
		words[w] = true
	}

	var hits float64
	for _, t := range terms {
		switch {
		case words[t]:
			hits += 1.0
		case strings.Contains(lower, t):
			hits += partialHitWeight
		}
	}
	boost := hits / float64(len(terms))

	if len(terms) >= 2 {
		first := strings.Index(lower, terms[0])
		second := strings.Index(lower, terms[1])
		if first >= 0 && second > first {
			boost += sequenceBonus
		}
	}
	if boost > 1 {
		boost = 1
	}
	return boost
}
