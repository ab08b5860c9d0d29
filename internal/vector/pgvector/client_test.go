package pgvector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atamadata/atabot/internal/vector"
)

func TestBuildMetadataFiltersScalarEquality(t *testing.T) {
	conds, args, err := buildMetadataFilters(map[string]any{"category": "drinks"}, 3)
	require.NoError(t, err)
	require.Len(t, conds, 1)
	assert.Equal(t, "metadata->>$3 = $4", conds[0])
	assert.Equal(t, []any{"category", "drinks"}, args)
}

func TestBuildMetadataFiltersNumericEqualityGuardsCast(t *testing.T) {
	conds, args, err := buildMetadataFilters(map[string]any{"im_stock": 42}, 2)
	require.NoError(t, err)
	require.Len(t, conds, 1)
	assert.Contains(t, conds[0], "(metadata->>$2)::numeric = $3")
	assert.Contains(t, conds[0], "metadata->>$2 ~", "cast must be guarded against non-numeric values")
	assert.Equal(t, []any{"im_stock", 42}, args)
}

func TestBuildMetadataFiltersRangeOperators(t *testing.T) {
	conds, args, err := buildMetadataFilters(map[string]any{
		"price": map[string]any{"gte": 100, "lte": 500},
	}, 2)
	require.NoError(t, err)
	require.Len(t, conds, 2)
	joined := strings.Join(conds, " AND ")
	assert.Contains(t, joined, ">=")
	assert.Contains(t, joined, "<=")
	assert.Len(t, args, 4)
}

func TestBuildMetadataFiltersContainsAndExists(t *testing.T) {
	conds, args, err := buildMetadataFilters(map[string]any{
		"name": map[string]any{"contains": "ALO"},
	}, 5)
	require.NoError(t, err)
	require.Len(t, conds, 1)
	assert.Equal(t, "metadata->>$5 ILIKE '%' || $6 || '%'", conds[0])
	assert.Equal(t, []any{"name", "ALO"}, args)

	conds, args, err = buildMetadataFilters(map[string]any{
		"discount": map[string]any{"exists": true},
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"jsonb_exists(metadata, $2)"}, conds)
	assert.Equal(t, []any{"discount"}, args)

	conds, _, err = buildMetadataFilters(map[string]any{
		"discount": map[string]any{"exists": false},
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"NOT jsonb_exists(metadata, $2)"}, conds)
}

func TestBuildMetadataFiltersKeysAreParameters(t *testing.T) {
	// A hostile key must never appear in the statement text.
	evil := `x'); DROP TABLE atabot.embeddings; --`
	conds, args, err := buildMetadataFilters(map[string]any{evil: "v"}, 2)
	require.NoError(t, err)
	require.Len(t, conds, 1)
	assert.NotContains(t, conds[0], "DROP")
	assert.Contains(t, args, evil)
}

func TestBuildMetadataFiltersUnknownOperator(t *testing.T) {
	_, _, err := buildMetadataFilters(map[string]any{
		"price": map[string]any{"between": []any{1, 2}},
	}, 2)
	assert.Error(t, err)
}

func TestDistanceToSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, vector.DistanceToSimilarity(0))
	assert.Equal(t, 0.5, vector.DistanceToSimilarity(0.5))
	assert.Equal(t, 0.0, vector.DistanceToSimilarity(1))
}
