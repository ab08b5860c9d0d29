package sync

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMetadataDropsNulls(t *testing.T) {
	out := SanitizeMetadata(map[string]any{"a": nil, "b": "keep"})
	assert.NotContains(t, out, "a")
	assert.Equal(t, "keep", out["b"])
}

func TestSanitizeMetadataCoercesNumericStrings(t *testing.T) {
	out := SanitizeMetadata(map[string]any{
		"price":   "1500.50", // drivers surface numeric as string
		"stock":   "42",
		"code":    "007",
		"name":    "ALO 500",
		"version": "1e",
	})
	assert.Equal(t, 1500.50, out["price"])
	assert.Equal(t, float64(42), out["stock"])
	assert.Equal(t, float64(7), out["code"], "all-digit strings are coerced, leading zeros included")
	assert.Equal(t, "ALO 500", out["name"])
	assert.Equal(t, "1e", out["version"])
}

func TestSanitizeMetadataFormatsTimestamps(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out := SanitizeMetadata(map[string]any{"created_at": ts})
	assert.Equal(t, "2026-01-02T03:04:05Z", out["created_at"])
}

func TestSanitizeMetadataReplacesBinaries(t *testing.T) {
	out := SanitizeMetadata(map[string]any{
		"image": []byte{0x89, 0x50, 0x00, 0x47},
		"note":  []byte("plain text"),
	})
	assert.Equal(t, "<binary:4>", out["image"])
	assert.Equal(t, "plain text", out["note"])
}

func TestSanitizeMetadataClipsLongStrings(t *testing.T) {
	out := SanitizeMetadata(map[string]any{"body": strings.Repeat("y", 4000)})
	assert.Len(t, out["body"], maxStringLen)
}

func TestSanitizeMetadataRecursesNestedValues(t *testing.T) {
	out := SanitizeMetadata(map[string]any{
		"attrs": map[string]any{"weight": "2.5", "gone": nil},
		"tags":  []any{"a", nil, "7"},
	})
	attrs := out["attrs"].(map[string]any)
	assert.Equal(t, 2.5, attrs["weight"])
	assert.NotContains(t, attrs, "gone")
	assert.Equal(t, []any{"a", float64(7)}, out["tags"])
}
