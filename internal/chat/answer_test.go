package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/atamadata/atabot/internal/vector"
)

func TestFromRowsEmptyIsNoData(t *testing.T) {
	g := NewGenerator(nil)
	assert.Equal(t, NoData("en"), g.FromRows(context.Background(), "q", nil, "en"))
	assert.Equal(t, NoData("id"), g.FromRows(context.Background(), "q", nil, "id"))
}

func TestFromRowsScalarAggregate(t *testing.T) {
	g := NewGenerator(nil)
	rows := []map[string]any{{"count": float64(42)}}

	assert.Equal(t, "Result: 42", g.FromRows(context.Background(), "how many", rows, "en"))
	assert.Equal(t, "Hasil: 42", g.FromRows(context.Background(), "berapa", rows, "id"))
}

func TestFromRowsSmallSetRendersInline(t *testing.T) {
	g := NewGenerator(nil)
	rows := []map[string]any{
		{"product_name": "ALO 500", "stock": float64(12)},
	}
	out := g.FromRows(context.Background(), "q", rows, "en")
	assert.Equal(t, "product name: ALO 500, stock: 12", out)
}

func TestFromRowsLargeSetWithoutLLMTruncates(t *testing.T) {
	g := NewGenerator(nil)
	var rows []map[string]any
	for i := 0; i < 9; i++ {
		rows = append(rows, map[string]any{"n": float64(i)})
	}
	out := g.FromRows(context.Background(), "q", rows, "en")
	assert.Contains(t, out, "(and 4 more rows)")
}

func TestFromResultsWithoutLLM(t *testing.T) {
	g := NewGenerator(nil)
	results := []vector.Result{
		{Content: "ALO 500. stock: 12"},
		{Content: "ALO 1000. stock: 3"},
	}
	out := g.FromResults(context.Background(), "q", results, "en")
	assert.Contains(t, out, "Here is what I found:")
	assert.Contains(t, out, "ALO 500. stock: 12")

	out = g.FromResults(context.Background(), "q", results, "id")
	assert.Contains(t, out, "Berikut yang saya temukan:")
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "42", formatValue(float64(42)))
	assert.Equal(t, "1500.50", formatValue(1500.5))
	assert.Equal(t, "ALO 500", formatValue("ALO 500"))
	assert.Equal(t, "2026-03-15", formatValue(time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)))
	assert.Equal(t, "", formatValue(nil))
}
