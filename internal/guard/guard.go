// Package guard filters prompt-injection attempts on the way in and leaked
// internals on the way out.
package guard

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// MaxQueryLen is the hard input ceiling.
const MaxQueryLen = 1000

const maxViolations = 100

// injectionPatterns are hard rejections regardless of the rest of the query.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(?:previous|prior|above)\s+(?:instructions?|prompts?)`),
	regexp.MustCompile(`(?i)(?:reveal|show|print|repeat)\s+(?:your\s+)?(?:system\s+prompt|instructions)`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)pretend\s+(?:you\s+are|to\s+be)`),
	regexp.MustCompile(`(?i)act\s+as\s+(?:a\s+)?(?:different|another)\s+(?:ai|assistant|model)`),
	regexp.MustCompile(`(?i)\bDAN\s+mode\b`),
	regexp.MustCompile(`(?i)developer\s+mode`),
	regexp.MustCompile(`(?i)(?:abaikan|lupakan)\s+(?:semua\s+)?(?:instruksi|perintah)\s+(?:sebelumnya|di\s+atas)`),
}

// leakPatterns reject generated answers that expose internals.
var leakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:my|the)\s+system\s+prompt`),
	regexp.MustCompile(`(?i)as\s+an\s+ai\s+(?:language\s+)?model,?\s+i\s+(?:was|am)\s+(?:instructed|told)`),
	regexp.MustCompile(`(?i)api[_\s-]?key\s*[:=]`),
	regexp.MustCompile(`(?i)password\s*[:=]`),
}

// Violation is one rejected input, kept for operator inspection.
type Violation struct {
	Query  string    `json:"query"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Guard is the pass/fail input and output filter.
type Guard struct {
	mu         sync.Mutex
	violations []Violation
}

// New creates a guard.
func New() *Guard {
	return &Guard{}
}

// ValidateQuery checks an inbound query. A false result comes with a short
// machine-readable reason.
func (g *Guard) ValidateQuery(query string) (bool, string) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return false, "empty"
	}
	if len(query) > MaxQueryLen {
		return false, "too_long"
	}
	for _, p := range injectionPatterns {
		if p.MatchString(query) {
			g.record(query, "injection")
			return false, "injection"
		}
	}
	return true, ""
}

// ValidateResponse checks a generated answer before it leaves the service.
func (g *Guard) ValidateResponse(answer string) bool {
	for _, p := range leakPatterns {
		if p.MatchString(answer) {
			g.record(answer, "response_leak")
			return false
		}
	}
	return true
}

// SafeResponse is the canned reply for rejected interactions.
func SafeResponse(language string) string {
	if language == "id" {
		return "Maaf, saya hanya dapat membantu pertanyaan seputar data bisnis Anda. Silakan ajukan pertanyaan tentang data Anda."
	}
	return "Sorry, I can only help with questions about your business data. Please ask something about your data."
}

// Violations returns the recent rejected inputs, newest last.
func (g *Guard) Violations() []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Violation, len(g.violations))
	copy(out, g.violations)
	return out
}

func (g *Guard) record(query, reason string) {
	if len(query) > 200 {
		query = query[:200]
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.violations = append(g.violations, Violation{Query: query, Reason: reason, At: time.Now()})
	if len(g.violations) > maxViolations {
		g.violations = g.violations[len(g.violations)-maxViolations:]
	}
}
