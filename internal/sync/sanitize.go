package sync

import (
	"fmt"
	"strconv"
	"time"
)

// SanitizeMetadata reduces a raw row to scalar-typed, size-bounded metadata
// suitable for the jsonb column: strings are clipped to 1000 characters,
// timestamps become ISO-8601, decimals become floats and binaries are
// replaced with a size placeholder.
func SanitizeMetadata(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if sv, ok := sanitizeValue(v); ok {
			out[k] = sv
		}
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case time.Time:
		return x.UTC().Format(time.RFC3339), true
	case []byte:
		if s, ok := byteString(x); ok {
			return coerceString(s), true
		}
		return fmt.Sprintf("<binary:%d>", len(x)), true
	case string:
		return coerceString(x), true
	case float64, float32, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return x, true
	case map[string]any:
		nested := make(map[string]any, len(x))
		for k, nv := range x {
			if sv, ok := sanitizeValue(nv); ok {
				nested[k] = sv
			}
		}
		return nested, true
	case []any:
		items := make([]any, 0, len(x))
		for _, nv := range x {
			if sv, ok := sanitizeValue(nv); ok {
				items = append(items, sv)
			}
		}
		return items, true
	default:
		return coerceString(fmt.Sprint(x)), true
	}
}

// coerceString converts decimal-looking strings (how drivers surface the
// numeric type) to floats and clips the rest.
func coerceString(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil && looksNumeric(s) {
		return f
	}
	return truncate(s)
}

// looksNumeric restricts coercion to strings built from digit, sign, point
// and exponent characters, so mixed values like "ALO 500" stay text.
// All-digit strings such as "007" are coerced; ParseFloat has the final say
// on shapes like "1e".
func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' && c != '-' && c != '+' && c != 'e' && c != 'E' {
			return false
		}
	}
	return true
}
