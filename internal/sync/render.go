// Package sync ingests source tables: it pages over rows, renders them to
// searchable text, drives the embedding queue and stores the results.
package sync

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/atamadata/atabot/internal/schema"
)

const (
	maxRenderedFields = 20
	maxStringLen      = 1000
	headFieldCount    = 5
)

// RenderRow deterministically projects a row to prose for embedding.
// Display and searchable fields lead, remaining columns follow in
// alphabetical order; nulls, underscore-prefixed columns and binaries are
// skipped.
func RenderRow(row map[string]any, table string, meta schema.TableMetadata) string {
	var sb strings.Builder
	if meta.EntityType != "" && meta.EntityType != "record" {
		sb.WriteString(fmt.Sprintf("This is a %s from %s", meta.EntityType, table))
	}

	segments := 0
	appendField := func(col string) {
		if segments >= maxRenderedFields {
			return
		}
		v, ok := row[col]
		if !ok || strings.HasPrefix(col, "_") {
			return
		}
		text, ok := renderValue(v)
		if !ok {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString(". ")
		}
		sb.WriteString(fieldLabel(col, meta.Terminology))
		sb.WriteString(": ")
		sb.WriteString(text)
		segments++
	}

	priority := priorityFields(meta)
	seen := make(map[string]bool, len(priority))
	for _, col := range priority {
		if !seen[col] {
			seen[col] = true
			appendField(col)
		}
	}

	rest := make([]string, 0, len(row))
	for col := range row {
		if !seen[col] {
			rest = append(rest, col)
		}
	}
	sort.Strings(rest)
	for _, col := range rest {
		appendField(col)
	}
	return sb.String()
}

// priorityFields merges display and searchable fields, promoting the first
// five to the head.
func priorityFields(meta schema.TableMetadata) []string {
	merged := make([]string, 0, len(meta.DisplayFields)+len(meta.SearchableFields))
	seen := make(map[string]bool)
	for _, f := range meta.DisplayFields {
		if !seen[f] {
			seen[f] = true
			merged = append(merged, f)
		}
	}
	for _, f := range meta.SearchableFields {
		if !seen[f] {
			seen[f] = true
			merged = append(merged, f)
		}
	}
	if len(merged) <= headFieldCount {
		return merged
	}
	return append(merged[:headFieldCount:headFieldCount], merged[headFieldCount:]...)
}

// fieldLabel resolves a column's human label.
func fieldLabel(col string, terminology map[string]string) string {
	if label, ok := terminology[col]; ok && label != "" {
		return label
	}
	return strings.ReplaceAll(col, "_", " ")
}

// renderValue formats one value for prose, reporting false for values that
// should be skipped entirely.
func renderValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case []byte:
		// Drivers surface some textual types as bytes; real binaries are
		// skipped.
		if s, ok := byteString(x); ok {
			return truncate(s), true
		}
		return "", false
	case time.Time:
		return x.UTC().Format(time.RFC3339), true
	case string:
		if x == "" {
			return "", false
		}
		return truncate(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case bool:
		return strconv.FormatBool(x), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), true
	case map[string]any, []any:
		raw, err := json.Marshal(x)
		if err != nil {
			return "", false
		}
		return truncate(string(raw)), true
	default:
		return truncate(fmt.Sprint(x)), true
	}
}

// byteString interprets a byte slice as text when it plausibly is text.
func byteString(b []byte) (string, bool) {
	if len(b) == 0 || !utf8.Valid(b) {
		return "", false
	}
	for _, c := range b {
		if c == 0 {
			return "", false
		}
	}
	return string(b), true
}

func truncate(s string) string {
	if len(s) > maxStringLen {
		return s[:maxStringLen]
	}
	return s
}
