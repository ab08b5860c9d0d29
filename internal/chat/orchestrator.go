package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/atamadata/atabot/internal/db"
	"github.com/atamadata/atabot/internal/guard"
	"github.com/atamadata/atabot/internal/llm"
	"github.com/atamadata/atabot/internal/router"
	"github.com/atamadata/atabot/internal/schema"
	"github.com/atamadata/atabot/internal/search"
	"github.com/atamadata/atabot/internal/vector"
	"github.com/atamadata/atabot/pkg/models"
)

const (
	defaultTopK     = 10
	maxSubQuestions = 4
	sqlRowCap       = 100
	streamChunkSize = 400
)

// Config tunes the orchestrator.
type Config struct {
	TopK                int
	MinSimilarity       float64
	EnableDecomposition bool
	EnableHybridSearch  bool
}

// Orchestrator runs the full chat pipeline for one request.
type Orchestrator struct {
	cfg      Config
	sessions *SessionManager
	guard    *guard.Guard
	registry *schema.Registry
	search   *search.Service
	llm      *llm.Service // nil disables LLM branches
	answers  *Generator
	source   *db.Introspector
	gdb      *gorm.DB
}

// New wires the orchestrator. llmSvc may be nil; LLM-dependent branches then
// degrade to retrieval or deterministic rendering.
func New(cfg Config, sessions *SessionManager, g *guard.Guard, registry *schema.Registry,
	searchSvc *search.Service, llmSvc *llm.Service, source *db.Introspector, store *db.Store) (*Orchestrator, error) {
	if sessions == nil || g == nil || registry == nil || searchSvc == nil || source == nil || store == nil {
		return nil, fmt.Errorf("all orchestrator dependencies except the LLM are required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		guard:    g,
		registry: registry,
		search:   searchSvc,
		llm:      llmSvc,
		answers:  NewGenerator(llmSvc),
		source:   source,
		gdb:      store.GetDB(),
	}, nil
}

// Sessions exposes the session manager for the history endpoints.
func (o *Orchestrator) Sessions() *SessionManager { return o.sessions }

// Process runs one chat turn end to end.
func (o *Orchestrator) Process(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	start := time.Now()
	language := DetectLanguage(req.Query)

	if ok, reason := o.guard.ValidateQuery(req.Query); !ok {
		log.Warn().Str("reason", reason).Msg("Query rejected")
		sess := o.sessions.GetOrCreate(req.SessionID)
		return &models.ChatResponse{
			Answer:         guard.SafeResponse(language),
			SessionID:      sess.ID,
			ProcessingTime: msSince(start),
			Rejected:       true,
			Metadata:       map[string]any{"rejection_reason": reason},
		}, nil
	}

	sess := o.sessions.GetOrCreate(req.SessionID)

	schemaName, err := o.resolveSchema(ctx, req.Schema, sess)
	if err != nil {
		return &models.ChatResponse{
			Answer:         ErrorAnswer(language),
			SessionID:      sess.ID,
			ProcessingTime: msSince(start),
			Metadata:       map[string]any{"error": err.Error()},
		}, nil
	}
	o.sessions.SetActiveSchema(sess.ID, schemaName)

	topK := req.TopK
	if topK <= 0 {
		topK = o.cfg.TopK
	}

	parts := o.decompose(ctx, req.Query)
	var (
		answers []string
		sources []models.Source
		routes  []string
	)
	for _, part := range parts {
		answer, partSources, routeType := o.processOne(ctx, schemaName, part, language, topK)
		answers = append(answers, answer)
		sources = append(sources, partSources...)
		routes = append(routes, routeType)
	}

	answer := answers[0]
	if len(answers) > 1 {
		answer = o.compose(ctx, req.Query, answers, language)
	}

	if !o.guard.ValidateResponse(answer) {
		answer = guard.SafeResponse(language)
	}

	o.sessions.Append(sess.ID, "user", req.Query)
	o.sessions.Append(sess.ID, "assistant", answer)

	resp := &models.ChatResponse{
		Answer:         answer,
		SessionID:      sess.ID,
		ProcessingTime: msSince(start),
		Metadata: map[string]any{
			"language": language,
			"schema":   schemaName,
			"routes":   routes,
		},
	}
	if req.IncludeSources {
		resp.Sources = sources
	}

	o.logQuery(ctx, sess.ID, req.Query, time.Since(start))
	return resp, nil
}

// ProcessStream runs Process and replays the answer as SSE-shaped events on
// a bounded channel. The channel is closed when the turn is done.
func (o *Orchestrator) ProcessStream(ctx context.Context, req models.ChatRequest) <-chan models.StreamEvent {
	events := make(chan models.StreamEvent, 16)
	go func() {
		defer close(events)
		send := func(ev models.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sess := o.sessions.GetOrCreate(req.SessionID)
		req.SessionID = sess.ID
		if !send(models.StreamEvent{Type: models.EventStart, SessionID: sess.ID}) {
			return
		}

		resp, err := o.Process(ctx, req)
		if err != nil {
			send(models.StreamEvent{Type: models.EventError, Error: err.Error(), SessionID: sess.ID})
			return
		}

		for _, chunk := range chunkString(resp.Answer, streamChunkSize) {
			if !send(models.StreamEvent{Type: models.EventContent, Content: chunk, SessionID: sess.ID}) {
				return
			}
		}
		if len(resp.Sources) > 0 {
			if !send(models.StreamEvent{Type: models.EventSources, Sources: resp.Sources, SessionID: sess.ID}) {
				return
			}
		}
		send(models.StreamEvent{Type: models.EventComplete, SessionID: sess.ID})
	}()
	return events
}

// resolveSchema picks the working schema: explicit request, then session,
// then the first active registration.
func (o *Orchestrator) resolveSchema(ctx context.Context, requested string, sess *Session) (string, error) {
	if requested != "" {
		managed, err := o.registry.Get(ctx, requested)
		if err != nil {
			return "", err
		}
		if managed == nil {
			return "", fmt.Errorf("schema %s is not registered", requested)
		}
		return requested, nil
	}
	if sess.ActiveSchema != "" {
		return sess.ActiveSchema, nil
	}
	active, err := o.registry.FirstActive(ctx)
	if err != nil {
		return "", err
	}
	if active == "" {
		return "", fmt.Errorf("no active schema; register and activate one first")
	}
	return active, nil
}

// decompose splits multi-part queries, preferring the LLM and falling back
// to rule-based splitting.
func (o *Orchestrator) decompose(ctx context.Context, query string) []string {
	if !o.cfg.EnableDecomposition || !AnalyzeIntent(query).NeedsDecomposition {
		return []string{query}
	}
	var parts []string
	if o.llm != nil {
		var err error
		parts, err = o.llm.Decompose(ctx, query)
		if err != nil {
			log.Warn().Err(err).Msg("LLM decomposition failed, using rule-based split")
			parts = nil
		}
	}
	if len(parts) == 0 {
		parts = RuleSplit(query)
	}
	if len(parts) > maxSubQuestions {
		parts = parts[:maxSubQuestions]
	}
	return parts
}

func (o *Orchestrator) compose(ctx context.Context, query string, answers []string, language string) string {
	if o.llm != nil {
		combined, err := o.llm.Recompose(ctx, query, answers, language)
		if err == nil {
			return combined
		}
		log.Warn().Err(err).Msg("Recomposition failed, joining sub-answers")
	}
	return strings.Join(answers, "\n\n")
}

// processOne answers one sub-question and reports which branch served it.
func (o *Orchestrator) processOne(ctx context.Context, schemaName, query, language string, topK int) (string, []models.Source, string) {
	tables := o.mentionedTables(ctx, schemaName, query)

	// Two related tables mentioned together is a join opportunity.
	if len(tables) >= 2 {
		if sql, ok := o.planJoin(ctx, schemaName, tables); ok {
			if rows, err := o.runSQL(ctx, sql, nil); err == nil {
				return o.answers.FromRows(ctx, query, rows, language), nil, "join"
			}
		}
	}

	tableHint := ""
	if len(tables) > 0 {
		tableHint = tables[0]
	}
	route := router.Classify(query, schemaName, tableHint)

	switch {
	case route.SQL != "":
		rows, err := o.runSQL(ctx, route.SQL, route.Args)
		if err != nil {
			log.Warn().Err(err).Str("route", string(route.Type)).Msg("Template SQL failed, falling back to search")
			return o.retrieve(ctx, schemaName, tableHint, query, query, language, topK)
		}
		return o.answers.FromRows(ctx, query, rows, language), nil, string(route.Type)

	case route.SearchTerm != "":
		return o.retrieve(ctx, schemaName, tableHint, query, route.SearchTerm, language, topK)

	default:
		intent := AnalyzeIntent(query)
		if (intent.Aggregation || intent.Comparison) && o.llm != nil {
			if answer, ok := o.llmSQL(ctx, schemaName, query, language); ok {
				return answer, nil, "llm_sql"
			}
		}
		return o.retrieve(ctx, schemaName, tableHint, query, query, language, topK)
	}
}

// retrieve is the hybrid-search branch.
func (o *Orchestrator) retrieve(ctx context.Context, schemaName, table, question, searchText, language string, topK int) (string, []models.Source, string) {
	results, err := o.search.Search(ctx, searchText, search.Options{
		Schema:        schemaName,
		Table:         table,
		TopK:          topK,
		MinSimilarity: o.cfg.MinSimilarity,
		VectorOnly:    !o.cfg.EnableHybridSearch,
	})
	if err != nil {
		log.Error().Err(err).Msg("Hybrid search failed")
		return ErrorAnswer(language), nil, "search"
	}
	return o.answers.FromResults(ctx, question, results, language), toSources(results), "search"
}

// llmSQL generates, validates and executes a SELECT for questions templates
// cannot serve.
func (o *Orchestrator) llmSQL(ctx context.Context, schemaName, query, language string) (string, bool) {
	summary, err := o.schemaSummary(ctx, schemaName)
	if err != nil {
		log.Warn().Err(err).Msg("Schema summary failed")
		return "", false
	}
	sql, err := o.llm.GenerateSQL(ctx, query, schemaName, summary)
	if err != nil {
		log.Warn().Err(err).Msg("SQL generation failed")
		return "", false
	}
	if err := ValidateSQL(sql); err != nil {
		log.Warn().Err(err).Str("sql", sql).Msg("Generated SQL rejected")
		return "", false
	}
	rows, err := o.runSQL(ctx, EnsureLimit(sql, sqlRowCap), nil)
	if err != nil {
		log.Warn().Err(err).Str("sql", sql).Msg("Generated SQL failed to execute")
		return "", false
	}
	return o.answers.FromRows(ctx, query, rows, language), true
}

func (o *Orchestrator) runSQL(ctx context.Context, sql string, args []any) ([]map[string]any, error) {
	if err := ValidateSQL(sql); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return o.source.Query(ctx, sql, args...)
}

// mentionedTables returns registered table names referenced by the query,
// tolerating naive singular/plural variation.
func (o *Orchestrator) mentionedTables(ctx context.Context, schemaName, query string) []string {
	managed, err := o.registry.Get(ctx, schemaName)
	if err != nil || managed == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, ".,!?;:'\"()")
		for name := range managed.Tables {
			if seen[name] {
				continue
			}
			lower := strings.ToLower(name)
			if tok == lower || tok+"s" == lower || tok == lower+"s" {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// planJoin builds a LEFT JOIN statement connecting the mentioned tables
// through the schema's foreign keys. Only the first usable edge per table is
// followed.
func (o *Orchestrator) planJoin(ctx context.Context, schemaName string, tables []string) (string, bool) {
	fks, err := o.source.ForeignKeys(ctx, schemaName)
	if err != nil {
		log.Warn().Err(err).Msg("Foreign key lookup failed")
		return "", false
	}

	base, err := db.QuoteQualified(schemaName, tables[0])
	if err != nil {
		return "", false
	}
	joined := map[string]bool{tables[0]: true}
	var joins []string

	for _, next := range tables[1:] {
		edge, ok := findEdge(fks, joined, next)
		if !ok {
			return "", false
		}
		from, err1 := db.QuoteQualified(schemaName, edge.FromTable)
		to, err2 := db.QuoteQualified(schemaName, edge.ToTable)
		fc, err3 := db.QuoteIdent(edge.FromColumn)
		tc, err4 := db.QuoteIdent(edge.ToColumn)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return "", false
		}
		target := to
		if joined[edge.ToTable] {
			target = from
		}
		joins = append(joins, fmt.Sprintf("LEFT JOIN %s ON %s.%s = %s.%s", target, from, fc, to, tc))
		joined[next] = true
	}

	sql := fmt.Sprintf("SELECT * FROM %s %s LIMIT %d", base, strings.Join(joins, " "), sqlRowCap)
	return sql, true
}

// findEdge locates a foreign key connecting an already-joined table to next,
// in either direction.
func findEdge(fks []db.ForeignKey, joined map[string]bool, next string) (db.ForeignKey, bool) {
	for _, fk := range fks {
		if joined[fk.FromTable] && fk.ToTable == next {
			return fk, true
		}
		if joined[fk.ToTable] && fk.FromTable == next {
			return fk, true
		}
	}
	return db.ForeignKey{}, false
}

// schemaSummary lists tables and columns for the SQL-generation prompt.
func (o *Orchestrator) schemaSummary(ctx context.Context, schemaName string) (string, error) {
	managed, err := o.registry.Get(ctx, schemaName)
	if err != nil {
		return "", err
	}
	if managed == nil {
		return "", fmt.Errorf("schema %s is not registered", schemaName)
	}

	var b strings.Builder
	count := 0
	for name := range managed.Tables {
		if count >= 15 {
			fmt.Fprintf(&b, "(and %d more tables)\n", len(managed.Tables)-count)
			break
		}
		cols, err := o.source.TableColumns(ctx, schemaName, name)
		if err != nil {
			return "", err
		}
		var colDefs []string
		for _, c := range cols {
			colDefs = append(colDefs, c.Name+" "+c.DataType)
		}
		fmt.Fprintf(&b, "%s (%s)\n", name, strings.Join(colDefs, ", "))
		count++
	}
	return b.String(), nil
}

// logQuery records the turn best-effort; failures only warn.
func (o *Orchestrator) logQuery(ctx context.Context, sessionID, query string, took time.Duration) {
	rec := db.QueryLogRecord{
		SessionID:      sessionID,
		Query:          query,
		ResponseTimeMs: took.Milliseconds(),
		CreatedAt:      time.Now(),
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	go func() {
		defer cancel()
		if err := o.gdb.WithContext(bg).Create(&rec).Error; err != nil {
			log.Warn().Err(err).Msg("Query log insert failed")
		}
	}()
}

func toSources(results []vector.Result) []models.Source {
	out := make([]models.Source, 0, len(results))
	for _, r := range results {
		out = append(out, models.Source{
			Schema: r.SchemaName,
			Table:  r.TableName,
			ID:     r.ID,
			Score:  r.Score,
		})
	}
	return out
}

func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	return append(chunks, s)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
