package chat

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrDangerousSQL marks generated SQL that failed the read-only check.
var ErrDangerousSQL = fmt.Errorf("generated SQL failed safety validation")

var (
	dangerousKeywordPattern = regexp.MustCompile(`(?i)\b(?:drop|delete|truncate|alter|create|insert|update|grant|revoke|copy|vacuum|comment)\b`)
	limitPattern            = regexp.MustCompile(`(?i)\blimit\s+\d+`)
	multiStatementPattern   = regexp.MustCompile(`;\s*\S`)
)

// ValidateSQL enforces that a statement is a single read-only SELECT with no
// data-modifying keywords anywhere in it.
func ValidateSQL(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return fmt.Errorf("%w: empty statement", ErrDangerousSQL)
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("%w: not a SELECT", ErrDangerousSQL)
	}
	if dangerousKeywordPattern.MatchString(trimmed) {
		return fmt.Errorf("%w: contains a write keyword", ErrDangerousSQL)
	}
	if multiStatementPattern.MatchString(trimmed) {
		return fmt.Errorf("%w: multiple statements", ErrDangerousSQL)
	}
	return nil
}

// EnsureLimit appends a row cap to statements that do not carry one.
// Aggregate-only statements are left alone.
func EnsureLimit(sql string, n int) string {
	if limitPattern.MatchString(sql) {
		return sql
	}
	upper := strings.ToUpper(sql)
	if strings.Contains(upper, "COUNT(") || strings.Contains(upper, "SUM(") ||
		strings.Contains(upper, "AVG(") || strings.Contains(upper, "MIN(") ||
		strings.Contains(upper, "MAX(") {
		if !strings.Contains(upper, "GROUP BY") {
			return sql
		}
	}
	return fmt.Sprintf("%s LIMIT %d", strings.TrimSpace(sql), n)
}
