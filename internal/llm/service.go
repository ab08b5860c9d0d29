package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
)

// Service wraps the provider with the prompt surfaces the orchestrator uses.
type Service struct {
	provider Provider
}

// NewService creates the prompt service.
func NewService(provider Provider) *Service {
	return &Service{provider: provider}
}

var (
	sqlFencePattern  = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")
	jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)
)

// GenerateSQL asks for a single read-only SELECT against the given schema
// summary. The output is cleaned of markdown fences; validation is the
// caller's job.
func (s *Service) GenerateSQL(ctx context.Context, question, schemaName, schemaSummary string) (string, error) {
	messages := []Message{
		{Role: "system", Content: "You translate business questions into a single PostgreSQL SELECT statement. " +
			"Use only the tables and columns listed. Always schema-qualify tables as \"" + schemaName + "\".\"table\". " +
			"Never modify data. Reply with SQL only, no explanation."},
		{Role: "user", Content: fmt.Sprintf("Schema:\n%s\n\nQuestion: %s", schemaSummary, question)},
	}
	out, err := s.provider.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	return CleanSQL(out), nil
}

// Decompose asks for sub-questions as a JSON array of strings. The caller
// falls back to rule-based splitting when this fails.
func (s *Service) Decompose(ctx context.Context, query string) ([]string, error) {
	messages := []Message{
		{Role: "system", Content: "Split the user's question into independent sub-questions. " +
			"Reply with a JSON array of strings only. Reply with a single-element array when no split is needed."},
		{Role: "user", Content: query},
	}
	out, err := s.provider.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	raw := jsonArrayPattern.FindString(out)
	if raw == "" {
		return nil, fmt.Errorf("no JSON array in decomposition response")
	}
	var parts []string
	if err := json.Unmarshal([]byte(raw), &parts); err != nil {
		return nil, fmt.Errorf("parse decomposition: %w", err)
	}
	var cleaned []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("empty decomposition")
	}
	return cleaned, nil
}

// GenerateAnswer turns retrieved context into prose in the requested
// language ("id" or "en").
func (s *Service) GenerateAnswer(ctx context.Context, question, contextBlock, language string) (string, error) {
	lang := "English"
	if language == "id" {
		lang = "Indonesian"
	}
	messages := []Message{
		{Role: "system", Content: "You answer business questions using only the provided data. " +
			"Be concise and factual. If the data does not answer the question, say so. Answer in " + lang + "."},
		{Role: "user", Content: fmt.Sprintf("Data:\n%s\n\nQuestion: %s", contextBlock, question)},
	}
	return s.provider.Complete(ctx, messages)
}

// Recompose merges sub-answers into one reply.
func (s *Service) Recompose(ctx context.Context, question string, subAnswers []string, language string) (string, error) {
	lang := "English"
	if language == "id" {
		lang = "Indonesian"
	}
	messages := []Message{
		{Role: "system", Content: "Combine the partial answers into one coherent reply in " + lang + ". " +
			"Do not invent data."},
		{Role: "user", Content: fmt.Sprintf("Question: %s\n\nPartial answers:\n- %s",
			question, strings.Join(subAnswers, "\n- "))},
	}
	return s.provider.Complete(ctx, messages)
}

// CleanSQL strips markdown fences and trailing semicolons from generated SQL.
func CleanSQL(out string) string {
	if m := sqlFencePattern.FindStringSubmatch(out); m != nil {
		out = m[1]
	}
	out = strings.TrimSpace(out)
	out = strings.TrimSuffix(out, ";")
	return strings.TrimSpace(out)
}
