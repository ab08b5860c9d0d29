package sync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/atamadata/atabot/internal/db"
	"github.com/atamadata/atabot/internal/embedding"
	"github.com/atamadata/atabot/internal/schema"
	"github.com/atamadata/atabot/internal/vector"
)

// preferredUpdateColumns is the priority order for the incremental
// watermark column.
var preferredUpdateColumns = []string{
	"updated_at", "modified_at", "changed_at", "last_modified", "created_at",
}

// Source reads structure and rows from the database being ingested.
type Source interface {
	ListTables(ctx context.Context, schema string) ([]db.TableStat, error)
	TableColumns(ctx context.Context, schema, table string) ([]db.Column, error)
	CountRows(ctx context.Context, schema, table string) (int64, error)
	FetchPage(ctx context.Context, schema, table, orderBy string, limit, offset int) ([]map[string]any, error)
	CountUpdatedSince(ctx context.Context, schema, table, column string, since time.Time) (int64, error)
	FetchUpdatedSince(ctx context.Context, schema, table, column string, since time.Time, limit, offset int) ([]map[string]any, error)
	EnsureUpdateColumn(ctx context.Context, schema, table string) error
}

// Embedder is the slice of the queue the pipeline needs.
type Embedder interface {
	Submit(texts []string) (string, error)
	Wait(ctx context.Context, batchID string, timeout time.Duration) bool
	Lookup(text string, inputType embedding.InputType) ([]float32, bool)
}

// Registrar resolves schema registrations and table metadata.
type Registrar interface {
	EnsureRegistered(ctx context.Context, name string) (*schema.Managed, error)
	MarkSynced(ctx context.Context, name string) error
}

// Config tunes the pipeline.
type Config struct {
	Source     Source
	Embedder   Embedder
	Vectors    vector.Store
	Registrar  Registrar
	Status     StatusStore
	BatchSize  int           // page size, default 100
	MaxWorkers int           // parallel tables per schema sync, default 3
	WaitACK    time.Duration // batch wait timeout, default 300s
}

// Pipeline ingests source tables into the vector store.
type Pipeline struct {
	source    Source
	embedder  Embedder
	vectors   vector.Store
	registrar Registrar
	status    StatusStore
	jobs      *JobRegistry

	batchSize   int
	maxWorkers  int
	waitTimeout time.Duration
}

// NewPipeline validates collaborators and creates a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil || cfg.Embedder == nil || cfg.Vectors == nil ||
		cfg.Registrar == nil || cfg.Status == nil {
		return nil, fmt.Errorf("source, embedder, vectors, registrar and status are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 3
	}
	if cfg.WaitACK <= 0 {
		cfg.WaitACK = 300 * time.Second
	}
	return &Pipeline{
		source:      cfg.Source,
		embedder:    cfg.Embedder,
		vectors:     cfg.Vectors,
		registrar:   cfg.Registrar,
		status:      cfg.Status,
		jobs:        NewJobRegistry(),
		batchSize:   cfg.BatchSize,
		maxWorkers:  cfg.MaxWorkers,
		waitTimeout: cfg.WaitACK,
	}, nil
}

// Jobs exposes the job registry for the status endpoints.
func (p *Pipeline) Jobs() *JobRegistry { return p.jobs }

// SyncTable starts a background sync of one table and returns the job id.
func (p *Pipeline) SyncTable(ctx context.Context, schemaName, table string, mode Mode) (string, error) {
	managed, err := p.registrar.EnsureRegistered(ctx, schemaName)
	if err != nil {
		return "", err
	}
	meta, ok := managed.Tables[table]
	if !ok {
		return "", fmt.Errorf("table %s.%s is not known to the schema registry", schemaName, table)
	}

	j := p.jobs.create(schemaName, table, mode)
	go func() {
		// Jobs outlive the request that started them.
		jobCtx := context.WithoutCancel(ctx)
		p.runTable(jobCtx, j, meta)
	}()
	return j.ID, nil
}

// SyncSchema starts background syncs for the given tables (all registered
// tables when empty), bounded by MaxWorkers, and returns the job ids.
func (p *Pipeline) SyncSchema(ctx context.Context, schemaName string, tables []string, mode Mode) ([]string, error) {
	managed, err := p.registrar.EnsureRegistered(ctx, schemaName)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		for t := range managed.Tables {
			tables = append(tables, t)
		}
		sort.Strings(tables)
	}

	type tableJob struct {
		job  *job
		meta schema.TableMetadata
	}
	jobs := make([]tableJob, 0, len(tables))
	ids := make([]string, 0, len(tables))
	for _, t := range tables {
		meta, ok := managed.Tables[t]
		if !ok {
			return nil, fmt.Errorf("table %s.%s is not known to the schema registry", schemaName, t)
		}
		j := p.jobs.create(schemaName, t, mode)
		jobs = append(jobs, tableJob{job: j, meta: meta})
		ids = append(ids, j.ID)
	}

	go func() {
		jobCtx := context.WithoutCancel(ctx)
		g, gctx := errgroup.WithContext(jobCtx)
		g.SetLimit(p.maxWorkers)
		for _, tj := range jobs {
			tj := tj
			g.Go(func() error {
				// Sibling tables continue even when one fails.
				p.runTable(gctx, tj.job, tj.meta)
				return nil
			})
		}
		_ = g.Wait()
		if err := p.registrar.MarkSynced(jobCtx, schemaName); err != nil {
			log.Warn().Err(err).Str("schema", schemaName).Msg("Failed to record schema sync time")
		}
	}()
	return ids, nil
}

// runTable drives one table sync to completion, recording job progress and
// sync status along the way.
func (p *Pipeline) runTable(ctx context.Context, j *job, meta schema.TableMetadata) {
	start := time.Now()
	log.Info().
		Str("schema", j.Schema).
		Str("table", j.Table).
		Str("mode", string(j.Mode)).
		Msg("Table sync started")

	if err := p.status.MarkRunning(ctx, j.Schema, j.Table); err != nil {
		p.jobs.fail(j.ID, err.Error())
		return
	}

	var processed int64
	var err error
	switch j.Mode {
	case ModeIncremental:
		processed, err = p.runIncremental(ctx, j, meta)
	default:
		processed, err = p.runFull(ctx, j, meta)
	}

	if err != nil {
		log.Error().Err(err).
			Str("schema", j.Schema).
			Str("table", j.Table).
			Msg("Table sync failed")
		_ = p.status.MarkFailed(ctx, j.Schema, j.Table, err.Error())
		p.jobs.fail(j.ID, err.Error())
		return
	}

	if err := p.status.MarkCompleted(ctx, j.Schema, j.Table, processed, time.Now()); err != nil {
		p.jobs.fail(j.ID, err.Error())
		return
	}
	p.jobs.complete(j.ID)
	log.Info().
		Str("schema", j.Schema).
		Str("table", j.Table).
		Int64("rows", processed).
		Dur("elapsed", time.Since(start)).
		Msg("Table sync complete")
}

// runFull re-ingests the whole table: existing embeddings are dropped first,
// then pages are processed in primary-key order.
func (p *Pipeline) runFull(ctx context.Context, j *job, meta schema.TableMetadata) (int64, error) {
	if err := p.vectors.DeleteBySchemaTable(ctx, j.Schema, j.Table); err != nil {
		return 0, fmt.Errorf("clear embeddings: %w", err)
	}
	total, err := p.source.CountRows(ctx, j.Schema, j.Table)
	if err != nil {
		return 0, err
	}
	p.jobs.setRunning(j.ID, total)

	var processed int64
	for offset := 0; ; offset += p.batchSize {
		rows, err := p.source.FetchPage(ctx, j.Schema, j.Table, meta.PrimaryKey, p.batchSize, offset)
		if err != nil {
			return processed, err
		}
		if len(rows) == 0 {
			break
		}
		processed += p.processPage(ctx, j, meta, rows)
		if len(rows) < p.batchSize {
			break
		}
	}
	return processed, nil
}

// runIncremental processes only rows whose update column passed the
// watermark. Without a watermark or a usable update column it degrades to a
// full sync.
func (p *Pipeline) runIncremental(ctx context.Context, j *job, meta schema.TableMetadata) (int64, error) {
	rec, err := p.status.Get(ctx, j.Schema, j.Table)
	if err != nil {
		return 0, err
	}
	if rec == nil || rec.LastSyncCompleted == nil {
		log.Info().
			Str("schema", j.Schema).
			Str("table", j.Table).
			Msg("No watermark yet, falling back to full sync")
		return p.runFull(ctx, j, meta)
	}
	watermark := *rec.LastSyncCompleted

	col, err := p.pickUpdateColumn(ctx, j.Schema, j.Table)
	if err != nil {
		return 0, err
	}
	if col == "" {
		if err := p.source.EnsureUpdateColumn(ctx, j.Schema, j.Table); err != nil {
			if db.IsPermissionDenied(err) {
				log.Warn().
					Str("schema", j.Schema).
					Str("table", j.Table).
					Msg("Cannot add update column (permission denied), falling back to full sync")
				return p.runFull(ctx, j, meta)
			}
			return 0, err
		}
		col = "updated_at"
	}

	total, err := p.source.CountUpdatedSince(ctx, j.Schema, j.Table, col, watermark)
	if err != nil {
		return 0, err
	}
	p.jobs.setRunning(j.ID, total)
	if total == 0 {
		return 0, nil
	}

	var processed int64
	for offset := 0; ; offset += p.batchSize {
		rows, err := p.source.FetchUpdatedSince(ctx, j.Schema, j.Table, col, watermark, p.batchSize, offset)
		if err != nil {
			return processed, err
		}
		if len(rows) == 0 {
			break
		}
		processed += p.processPage(ctx, j, meta, rows)
		if len(rows) < p.batchSize {
			break
		}
	}
	return processed, nil
}

// processPage renders, embeds and stores one page of rows. Batch timeouts
// and failures never write partial garbage: only texts that resolved to a
// cached vector are upserted, the rest stay eligible for a retry pass.
func (p *Pipeline) processPage(ctx context.Context, j *job, meta schema.TableMetadata, rows []map[string]any) int64 {
	type pageRow struct {
		id   string
		text string
		meta map[string]any
	}
	page := make([]pageRow, 0, len(rows))
	texts := make([]string, 0, len(rows))
	for _, row := range rows {
		text := RenderRow(row, j.Table, meta)
		if text == "" {
			continue
		}
		page = append(page, pageRow{
			id:   stableID(j.Schema, j.Table, meta.PrimaryKey, row, text),
			text: text,
			meta: SanitizeMetadata(row),
		})
		texts = append(texts, text)
	}
	if len(page) == 0 {
		return 0
	}

	batchID, err := p.embedder.Submit(texts)
	if err != nil {
		log.Error().Err(err).Str("table", j.Table).Msg("Batch submit failed, skipping page")
		return 0
	}
	if !p.embedder.Wait(ctx, batchID, p.waitTimeout) {
		log.Warn().
			Str("batch", batchID).
			Str("table", j.Table).
			Int("rows", len(page)).
			Msg("Batch did not complete, storing what resolved")
	}

	recs := make([]vector.Record, 0, len(page))
	for _, pr := range page {
		vec, ok := p.embedder.Lookup(pr.text, embedding.InputTypeDocument)
		if !ok || len(vec) == 0 {
			continue
		}
		recs = append(recs, vector.Record{
			ID:         pr.id,
			SchemaName: j.Schema,
			TableName:  j.Table,
			Content:    pr.text,
			Embedding:  vec,
			Metadata:   pr.meta,
		})
	}
	if len(recs) == 0 {
		return 0
	}
	if err := p.vectors.UpsertMany(ctx, recs); err != nil {
		log.Error().Err(err).Str("table", j.Table).Msg("Embedding upsert failed")
		return 0
	}
	p.jobs.addProgress(j.ID, int64(len(recs)))
	return int64(len(recs))
}

// SyncRow is the single-row path used by realtime change propagation.
func (p *Pipeline) SyncRow(ctx context.Context, schemaName, table string, row map[string]any) error {
	managed, err := p.registrar.EnsureRegistered(ctx, schemaName)
	if err != nil {
		return err
	}
	meta := managed.Tables[table]

	text := RenderRow(row, table, meta)
	if text == "" {
		return nil
	}
	batchID, err := p.embedder.Submit([]string{text})
	if err != nil {
		return err
	}
	if !p.embedder.Wait(ctx, batchID, 60*time.Second) {
		return fmt.Errorf("embedding for %s.%s row did not complete", schemaName, table)
	}
	vec, ok := p.embedder.Lookup(text, embedding.InputTypeDocument)
	if !ok {
		return fmt.Errorf("embedding for %s.%s row missing from cache", schemaName, table)
	}
	return p.vectors.Upsert(ctx, vector.Record{
		ID:         stableID(schemaName, table, meta.PrimaryKey, row, text),
		SchemaName: schemaName,
		TableName:  table,
		Content:    text,
		Embedding:  vec,
		Metadata:   SanitizeMetadata(row),
	})
}

// DeleteRow propagates a source DELETE to the vector store.
func (p *Pipeline) DeleteRow(ctx context.Context, schemaName, table string, pkValue any) error {
	id := fmt.Sprintf("%s_%s_%s", schemaName, table, formatKey(pkValue))
	return p.vectors.DeleteByID(ctx, id)
}

// ClearEmbeddings drops the stored embeddings and sync state for a table,
// or a whole schema when table is empty.
func (p *Pipeline) ClearEmbeddings(ctx context.Context, schemaName, table string) error {
	if err := p.vectors.DeleteBySchemaTable(ctx, schemaName, table); err != nil {
		return err
	}
	return p.status.Reset(ctx, schemaName, table)
}

// pickUpdateColumn chooses the watermark column: the preferred names first,
// then the first timestamp-typed column, else empty.
func (p *Pipeline) pickUpdateColumn(ctx context.Context, schemaName, table string) (string, error) {
	cols, err := p.source.TableColumns(ctx, schemaName, table)
	if err != nil {
		return "", err
	}
	return PickUpdateColumn(cols), nil
}

// PickUpdateColumn applies the watermark-column preference to a column list.
func PickUpdateColumn(cols []db.Column) string {
	byName := make(map[string]bool, len(cols))
	for _, c := range cols {
		byName[c.Name] = true
	}
	for _, name := range preferredUpdateColumns {
		if byName[name] {
			return name
		}
	}
	for _, c := range cols {
		if isTimestampType(c.DataType) {
			return c.Name
		}
	}
	return ""
}

func isTimestampType(dataType string) bool {
	switch dataType {
	case "timestamp without time zone", "timestamp with time zone", "timestamptz", "timestamp", "date":
		return true
	}
	return false
}

// stableID derives the embedding id: "{schema}_{table}_{pk}" when a primary
// key exists, else a content hash.
func stableID(schemaName, table, pkColumn string, row map[string]any, text string) string {
	if pkColumn != "" {
		if v, ok := row[pkColumn]; ok && v != nil {
			return fmt.Sprintf("%s_%s_%s", schemaName, table, formatKey(v))
		}
	}
	sum := md5.Sum([]byte(schemaName + table + text))
	return hex.EncodeToString(sum[:])
}

func formatKey(v any) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
