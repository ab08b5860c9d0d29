package sync

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/atamadata/atabot/internal/schema"
)

func TestRenderRowLeadsWithEntityPrefix(t *testing.T) {
	meta := schema.TableMetadata{
		EntityType:    "product",
		DisplayFields: []string{"name"},
	}
	row := map[string]any{"name": "Laptop Pro", "price": 1500.0}

	out := RenderRow(row, "products", meta)
	assert.True(t, strings.HasPrefix(out, "This is a product from products"))
	assert.Contains(t, out, "name: Laptop Pro")
	assert.Contains(t, out, "price: 1500")
}

func TestRenderRowNoPrefixForGenericRecords(t *testing.T) {
	meta := schema.TableMetadata{EntityType: "record"}
	out := RenderRow(map[string]any{"title": "hello"}, "notes", meta)
	assert.Equal(t, "title: hello", out)
}

func TestRenderRowPriorityFieldsFirst(t *testing.T) {
	meta := schema.TableMetadata{
		EntityType:       "record",
		DisplayFields:    []string{"name"},
		SearchableFields: []string{"sku"},
	}
	row := map[string]any{"aaa": "last", "name": "Widget", "sku": "W-1"}

	out := RenderRow(row, "items", meta)
	nameIdx := strings.Index(out, "name:")
	skuIdx := strings.Index(out, "sku:")
	aaaIdx := strings.Index(out, "aaa:")
	assert.True(t, nameIdx < skuIdx, "display fields come before searchable")
	assert.True(t, skuIdx < aaaIdx, "priority fields come before the alphabetical rest")
}

func TestRenderRowIsDeterministic(t *testing.T) {
	meta := schema.TableMetadata{EntityType: "record"}
	row := map[string]any{"b": "2", "a": "1", "c": "3", "d": "4"}

	first := RenderRow(row, "t", meta)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, RenderRow(row, "t", meta))
	}
	assert.Equal(t, "a: 1. b: 2. c: 3. d: 4", first)
}

func TestRenderRowSkipsNullsUnderscoresAndBinaries(t *testing.T) {
	meta := schema.TableMetadata{EntityType: "record"}
	row := map[string]any{
		"name":     "ok",
		"empty":    nil,
		"_private": "hidden",
		"blob":     []byte{0x00, 0xFF, 0x01},
	}
	out := RenderRow(row, "t", meta)
	assert.Equal(t, "name: ok", out)
}

func TestRenderRowTreatsTextualBytesAsText(t *testing.T) {
	meta := schema.TableMetadata{EntityType: "record"}
	out := RenderRow(map[string]any{"note": []byte("readable")}, "t", meta)
	assert.Equal(t, "note: readable", out)
}

func TestRenderRowFormatsTimestampsISO(t *testing.T) {
	meta := schema.TableMetadata{EntityType: "record"}
	ts := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	out := RenderRow(map[string]any{"shipped_at": ts}, "t", meta)
	assert.Equal(t, "shipped at: 2026-03-15T09:30:00Z", out)
}

func TestRenderRowUsesTerminology(t *testing.T) {
	meta := schema.TableMetadata{
		EntityType:  "record",
		Terminology: map[string]string{"im_stock": "stock on hand"},
	}
	out := RenderRow(map[string]any{"im_stock": 42}, "t", meta)
	assert.Equal(t, "stock on hand: 42", out)
}

func TestRenderRowCapsSegmentsAndLength(t *testing.T) {
	meta := schema.TableMetadata{EntityType: "record"}
	row := make(map[string]any, 30)
	for i := 0; i < 30; i++ {
		row[string(rune('a'+i))] = "v"
	}
	out := RenderRow(row, "t", meta)
	assert.Equal(t, maxRenderedFields, strings.Count(out, ": "))

	long := strings.Repeat("x", 5000)
	out = RenderRow(map[string]any{"body": long}, "t", meta)
	assert.LessOrEqual(t, len(out), len("body: ")+maxStringLen)
}
