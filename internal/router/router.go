// Package router classifies natural-language queries so that template and
// search routes can answer without consulting the LLM.
package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/atamadata/atabot/internal/db"
)

// RouteType names the processing branch a query was matched to.
type RouteType string

const (
	RouteProductSearch RouteType = "product_search"
	RouteCount         RouteType = "count"
	RouteSum           RouteType = "sum"
	RouteList          RouteType = "list"
	RouteSimpleWhere   RouteType = "simple_where"
	RouteComplex       RouteType = "complex"
)

// Route is the classification result. When NeedsLLM is false and SQL is set
// the caller can execute the template directly; when SearchTerm is set the
// hybrid search branch applies.
type Route struct {
	Type       RouteType
	NeedsLLM   bool
	SQL        string
	Args       []any
	SearchTerm string
}

// Precedence-ordered patterns; Indonesian and English forms both match.
var (
	stockPattern   = regexp.MustCompile(`(?i)(?:stok|stock|berapa.*?stok)\s+([A-Za-z][A-Za-z0-9\s\-]+)`)
	searchPattern  = regexp.MustCompile(`(?i)\b(?:cari|search|find)\s+([A-Za-z][A-Za-z0-9\s\-]+)`)
	countPattern   = regexp.MustCompile(`(?i)\b(?:count|jumlah|berapa banyak|how many)\b`)
	sumPattern     = regexp.MustCompile(`(?i)\b(?:total|sum)\s+(\w+)`)
	listPattern    = regexp.MustCompile(`(?i)\b(?:list|show|tampilkan|tunjukkan)\b.*\b(?:all|semua)\b`)
	wherePattern   = regexp.MustCompile(`(?i)\b(?:where|dengan|yang)\s+(\w+)\s*(?:=|is)\s*'?([\w][\w\s]*?)'?\s*$`)
	stopwordSuffix = regexp.MustCompile(`(?i)\s+(?:yang|di|dari|untuk|in|from|for)\b.*$`)
)

// Classify matches the query against the precedence list. Templates are
// instantiated only when the caller supplies a validated table hint;
// otherwise template routes degrade to the LLM path.
func Classify(query, schemaHint, tableHint string) Route {
	query = strings.TrimSpace(query)

	if m := stockPattern.FindStringSubmatch(query); m != nil {
		return Route{Type: RouteProductSearch, SearchTerm: cleanTerm(m[1])}
	}
	if m := searchPattern.FindStringSubmatch(query); m != nil {
		return Route{Type: RouteProductSearch, SearchTerm: cleanTerm(m[1])}
	}

	if countPattern.MatchString(query) {
		if sql, ok := qualify(schemaHint, tableHint, "SELECT COUNT(*) FROM %s"); ok {
			return Route{Type: RouteCount, SQL: sql}
		}
		return Route{Type: RouteComplex, NeedsLLM: true}
	}

	if m := sumPattern.FindStringSubmatch(query); m != nil {
		field, err := db.QuoteIdent(strings.ToLower(m[1]))
		if err == nil {
			if sql, ok := qualify(schemaHint, tableHint, "SELECT SUM("+field+") FROM %s"); ok {
				return Route{Type: RouteSum, SQL: sql}
			}
		}
		return Route{Type: RouteComplex, NeedsLLM: true}
	}

	if listPattern.MatchString(query) {
		if sql, ok := qualify(schemaHint, tableHint, "SELECT * FROM %s LIMIT 100"); ok {
			return Route{Type: RouteList, SQL: sql}
		}
		return Route{Type: RouteComplex, NeedsLLM: true}
	}

	if m := wherePattern.FindStringSubmatch(query); m != nil {
		field, err := db.QuoteIdent(strings.ToLower(m[1]))
		if err == nil {
			if sql, ok := qualify(schemaHint, tableHint, "SELECT * FROM %s WHERE "+field+" = $1 LIMIT 100"); ok {
				return Route{
					Type: RouteSimpleWhere,
					SQL:  sql,
					Args: []any{strings.TrimSpace(m[2])},
				}
			}
		}
		return Route{Type: RouteComplex, NeedsLLM: true}
	}

	return Route{Type: RouteComplex, NeedsLLM: true}
}

// qualify instantiates a template against the validated table hint.
func qualify(schemaHint, tableHint, template string) (string, bool) {
	if tableHint == "" {
		return "", false
	}
	if schemaHint == "" {
		schemaHint = "public"
	}
	qualified, err := db.QuoteQualified(schemaHint, tableHint)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf(template, qualified), true
}

// cleanTerm strips trailing connective clauses from an extracted product
// term.
func cleanTerm(term string) string {
	term = stopwordSuffix.ReplaceAllString(term, "")
	return strings.TrimSpace(term)
}
