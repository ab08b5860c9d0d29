package chat

import (
	"regexp"
	"strings"
)

// Intent is the coarse classification that steers branch selection.
type Intent struct {
	Aggregation bool
	Comparison  bool
	Listing     bool
	Search      bool
	// NeedsDecomposition is set when the query appears to bundle several
	// independent questions.
	NeedsDecomposition bool
}

var (
	aggregationPattern = regexp.MustCompile(`(?i)\b(?:count|sum|total|average|avg|how many|how much|jumlah|berapa banyak|berapa total|rata-rata|highest|lowest|most|least|tertinggi|terendah|terbanyak|termahal|termurah|paling)\b`)
	comparisonPattern  = regexp.MustCompile(`(?i)\b(?:compare|versus|vs\.?|difference between|bandingkan|dibanding(?:kan)?|perbandingan|lebih (?:besar|kecil|murah|mahal|banyak) dari)\b`)
	listingPattern     = regexp.MustCompile(`(?i)\b(?:list|show|display|tampilkan|tunjukkan|daftar)\b`)
	conjunctionSplit   = regexp.MustCompile(`(?i)\s+(?:and also|dan juga|serta)\s+|;\s+`)
	interrogativeWords = regexp.MustCompile(`(?i)\b(?:what|how|which|who|when|where|berapa|apa|siapa|kapan|mana|bagaimana)\b`)
)

// AnalyzeIntent classifies a query. Search is the default when nothing more
// specific matches.
func AnalyzeIntent(query string) Intent {
	intent := Intent{
		Aggregation: aggregationPattern.MatchString(query),
		Comparison:  comparisonPattern.MatchString(query),
		Listing:     listingPattern.MatchString(query),
	}
	intent.Search = !intent.Aggregation && !intent.Comparison && !intent.Listing

	questionMarks := strings.Count(query, "?")
	interrogatives := len(interrogativeWords.FindAllString(query, -1))
	intent.NeedsDecomposition = questionMarks > 1 ||
		conjunctionSplit.MatchString(query) ||
		(intent.Comparison && intent.Aggregation) ||
		interrogatives > 1
	return intent
}

// RuleSplit is the deterministic fallback decomposition: split on strong
// conjunctions and keep parts that still read like questions.
func RuleSplit(query string) []string {
	parts := conjunctionSplit.Split(query, -1)
	if len(parts) < 2 {
		parts = regexp.MustCompile(`(?i)\s+(?:dan|and)\s+`).Split(query, -1)
	}
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(p), "?."))
		if len(strings.Fields(p)) >= 2 {
			out = append(out, p)
		}
	}
	if len(out) < 2 {
		return []string{strings.TrimSpace(query)}
	}
	return out
}
