package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/atamadata/atabot/internal/llm"
	"github.com/atamadata/atabot/internal/vector"
)

const (
	inlineRowLimit  = 5
	summaryRowLimit = 20
	contextDocLimit = 8
)

// Generator turns SQL rows or retrieval results into user-facing prose.
// The LLM is optional; without it answers degrade to deterministic rendering.
type Generator struct {
	llm *llm.Service
}

// NewGenerator creates an answer generator. svc may be nil.
func NewGenerator(svc *llm.Service) *Generator {
	return &Generator{llm: svc}
}

// NoData is the empty-result reply in the requested language.
func NoData(language string) string {
	if language == "id" {
		return "Tidak ada data yang cocok dengan pertanyaan Anda."
	}
	return "No data matched your question."
}

// ErrorAnswer is the generic failure reply in the requested language.
func ErrorAnswer(language string) string {
	if language == "id" {
		return "Maaf, terjadi kesalahan saat memproses pertanyaan Anda. Silakan coba lagi."
	}
	return "Sorry, something went wrong while processing your question. Please try again."
}

// FromRows renders SQL query results. Small result sets are rendered
// deterministically; larger ones are summarised by the LLM when available.
func (g *Generator) FromRows(ctx context.Context, question string, rows []map[string]any, language string) string {
	if len(rows) == 0 {
		return NoData(language)
	}

	// Scalar aggregates read best as a single sentence.
	if len(rows) == 1 && len(rows[0]) == 1 {
		for _, v := range rows[0] {
			if language == "id" {
				return fmt.Sprintf("Hasil: %s", formatValue(v))
			}
			return fmt.Sprintf("Result: %s", formatValue(v))
		}
	}

	if len(rows) <= inlineRowLimit || g.llm == nil {
		return renderRows(rows, language)
	}

	sample := rows
	if len(sample) > summaryRowLimit {
		sample = sample[:summaryRowLimit]
	}
	buf, err := json.Marshal(sample)
	if err != nil {
		return renderRows(rows, language)
	}
	answer, err := g.llm.GenerateAnswer(ctx, question, string(buf), language)
	if err != nil {
		log.Warn().Err(err).Msg("LLM summary failed, using direct rendering")
		return renderRows(rows, language)
	}
	return answer
}

// FromResults renders retrieval hits, preferring an LLM answer grounded on
// the top documents.
func (g *Generator) FromResults(ctx context.Context, question string, results []vector.Result, language string) string {
	if len(results) == 0 {
		return NoData(language)
	}

	if g.llm != nil {
		var b strings.Builder
		for i, r := range results {
			if i >= contextDocLimit {
				break
			}
			fmt.Fprintf(&b, "- %s\n", r.Content)
		}
		answer, err := g.llm.GenerateAnswer(ctx, question, b.String(), language)
		if err == nil {
			return answer
		}
		log.Warn().Err(err).Msg("LLM answer failed, using direct rendering")
	}

	var lines []string
	for i, r := range results {
		if i >= inlineRowLimit {
			break
		}
		lines = append(lines, r.Content)
	}
	head := "Here is what I found:"
	if language == "id" {
		head = "Berikut yang saya temukan:"
	}
	return head + "\n" + strings.Join(lines, "\n")
}

// renderRows prints up to inlineRowLimit rows as "field: value" lines.
func renderRows(rows []map[string]any, language string) string {
	shown := rows
	if len(shown) > inlineRowLimit {
		shown = shown[:inlineRowLimit]
	}
	var lines []string
	for _, row := range rows[:len(shown)] {
		var parts []string
		for _, k := range sortedKeys(row) {
			v := row[k]
			if v == nil {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s: %s", readableField(k), formatValue(v)))
		}
		lines = append(lines, strings.Join(parts, ", "))
	}
	out := strings.Join(lines, "\n")
	if len(rows) > inlineRowLimit {
		if language == "id" {
			out += fmt.Sprintf("\n(dan %d baris lainnya)", len(rows)-inlineRowLimit)
		} else {
			out += fmt.Sprintf("\n(and %d more rows)", len(rows)-inlineRowLimit)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func readableField(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', 2, 64)
	case float32:
		return formatValue(float64(x))
	case time.Time:
		return x.UTC().Format("2006-01-02")
	default:
		return fmt.Sprintf("%v", x)
	}
}
