package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atamadata/atabot/internal/db"
	"github.com/atamadata/atabot/internal/embedding"
	"github.com/atamadata/atabot/internal/schema"
	"github.com/atamadata/atabot/internal/vector"
	"github.com/atamadata/atabot/pkg/models"
)

// ---- fakes ----

type fakeSource struct {
	mu          sync.Mutex
	rows        []map[string]any
	updatedRows []map[string]any
	cols        []db.Column
	ensureErr   error

	fetchPageCalls    int
	fetchUpdatedCalls int
	ensureCalls       int
}

func (f *fakeSource) ListTables(context.Context, string) ([]db.TableStat, error) {
	return []db.TableStat{{Name: "products"}}, nil
}

func (f *fakeSource) TableColumns(context.Context, string, string) ([]db.Column, error) {
	return f.cols, nil
}

func (f *fakeSource) CountRows(context.Context, string, string) (int64, error) {
	return int64(len(f.rows)), nil
}

func (f *fakeSource) FetchPage(_ context.Context, _, _, _ string, limit, offset int) ([]map[string]any, error) {
	f.mu.Lock()
	f.fetchPageCalls++
	f.mu.Unlock()
	return window(f.rows, limit, offset), nil
}

func (f *fakeSource) CountUpdatedSince(context.Context, string, string, string, time.Time) (int64, error) {
	return int64(len(f.updatedRows)), nil
}

func (f *fakeSource) FetchUpdatedSince(_ context.Context, _, _, _ string, _ time.Time, limit, offset int) ([]map[string]any, error) {
	f.mu.Lock()
	f.fetchUpdatedCalls++
	f.mu.Unlock()
	return window(f.updatedRows, limit, offset), nil
}

func (f *fakeSource) EnsureUpdateColumn(context.Context, string, string) error {
	f.mu.Lock()
	f.ensureCalls++
	f.mu.Unlock()
	return f.ensureErr
}

func window(rows []map[string]any, limit, offset int) []map[string]any {
	if offset >= len(rows) {
		return nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	submits int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: make(map[string][]float32)}
}

func (f *fakeEmbedder) Submit(texts []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	for _, t := range texts {
		f.vectors[t] = []float32{0.1, 0.2, 0.3}
	}
	return fmt.Sprintf("batch-%d", f.submits), nil
}

func (f *fakeEmbedder) Wait(context.Context, string, time.Duration) bool { return true }

func (f *fakeEmbedder) Lookup(text string, _ embedding.InputType) ([]float32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vec, ok := f.vectors[text]
	return vec, ok
}

type fakeVectors struct {
	mu      sync.Mutex
	records map[string]vector.Record
	cleared []string
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{records: make(map[string]vector.Record)}
}

func (f *fakeVectors) Upsert(_ context.Context, rec vector.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeVectors) UpsertMany(ctx context.Context, recs []vector.Record) error {
	for _, rec := range recs {
		if err := f.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeVectors) DeleteByID(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *fakeVectors) DeleteBySchemaTable(_ context.Context, schemaName, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, schemaName+"."+table)
	for id, rec := range f.records {
		if rec.SchemaName == schemaName && (table == "" || rec.TableName == table) {
			delete(f.records, id)
		}
	}
	return nil
}

func (f *fakeVectors) Search(context.Context, vector.SearchQuery) ([]vector.Result, error) {
	return nil, nil
}

func (f *fakeVectors) AggregateLookup(context.Context, vector.AggregateQuery) ([]vector.Result, error) {
	return nil, nil
}

func (f *fakeVectors) KeywordSearch(context.Context, vector.KeywordQuery) ([]vector.Result, error) {
	return nil, nil
}

func (f *fakeVectors) FetchOne(_ context.Context, id string) (*vector.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (f *fakeVectors) CountBySchemaTable(context.Context, string, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.records)), nil
}

func (f *fakeVectors) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeRegistrar struct {
	managed *schema.Managed
}

func (f *fakeRegistrar) EnsureRegistered(context.Context, string) (*schema.Managed, error) {
	return f.managed, nil
}

func (f *fakeRegistrar) MarkSynced(context.Context, string) error { return nil }

type fakeStatus struct {
	mu   sync.Mutex
	recs map[string]*db.SyncStatusRecord
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{recs: make(map[string]*db.SyncStatusRecord)}
}

func (f *fakeStatus) key(schemaName, table string) string { return schemaName + "." + table }

func (f *fakeStatus) Get(_ context.Context, schemaName, table string) (*db.SyncStatusRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[f.key(schemaName, table)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStatus) MarkRunning(_ context.Context, schemaName, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(schemaName, table)
	if _, ok := f.recs[k]; !ok {
		f.recs[k] = &db.SyncStatusRecord{SchemaName: schemaName, SourceTable: table}
	}
	f.recs[k].SyncStatus = "running"
	return nil
}

func (f *fakeStatus) MarkCompleted(_ context.Context, schemaName, table string, rows int64, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recs[f.key(schemaName, table)]
	rec.SyncStatus = "completed"
	rec.RowsSynced = rows
	rec.LastSyncCompleted = &completedAt
	return nil
}

func (f *fakeStatus) MarkFailed(_ context.Context, schemaName, table, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recs[f.key(schemaName, table)]
	rec.SyncStatus = "failed"
	rec.LastError = lastError
	return nil
}

func (f *fakeStatus) All(context.Context) ([]db.SyncStatusRecord, error) { return nil, nil }

func (f *fakeStatus) Reset(_ context.Context, schemaName, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, f.key(schemaName, table))
	return nil
}

// ---- helpers ----

func productMeta() schema.TableMetadata {
	return schema.TableMetadata{
		EntityType:       "product",
		DisplayFields:    []string{"name"},
		SearchableFields: []string{"name"},
		PrimaryKey:       "id",
	}
}

func testPipeline(t *testing.T, source *fakeSource, status *fakeStatus) (*Pipeline, *fakeVectors, *fakeEmbedder) {
	t.Helper()
	vectors := newFakeVectors()
	embedder := newFakeEmbedder()
	p, err := NewPipeline(Config{
		Source:   source,
		Embedder: embedder,
		Vectors:  vectors,
		Registrar: &fakeRegistrar{managed: &schema.Managed{
			Name:   "public",
			Tables: map[string]schema.TableMetadata{"products": productMeta()},
		}},
		Status:    status,
		BatchSize: 3,
		WaitACK:   time.Second,
	})
	require.NoError(t, err)
	return p, vectors, embedder
}

func waitForJob(t *testing.T, p *Pipeline, id string) models.JobInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info := p.Jobs().Get(id); info != nil &&
			(info.State == "completed" || info.State == "failed") {
			return *info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not finish")
	return models.JobInfo{}
}

func productRows(n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{
			"id":    i + 1,
			"name":  fmt.Sprintf("Product %d", i+1),
			"price": float64(10 * (i + 1)),
		}
	}
	return rows
}

// ---- tests ----

func TestFullSyncIngestsEveryRow(t *testing.T) {
	source := &fakeSource{rows: productRows(7)}
	status := newFakeStatus()
	p, vectors, _ := testPipeline(t, source, status)

	id, err := p.SyncTable(context.Background(), "public", "products", ModeFull)
	require.NoError(t, err)
	info := waitForJob(t, p, id)

	assert.Equal(t, "completed", info.State)
	assert.Equal(t, int64(7), info.Progress.RowsProcessed)
	assert.Equal(t, 7, vectors.count())
	assert.Contains(t, vectors.cleared, "public.products", "full sync must clear old embeddings first")

	rec, _ := vectors.FetchOne(context.Background(), "public_products_3")
	require.NotNil(t, rec)
	assert.Contains(t, rec.Content, "Product 3")
	assert.Equal(t, "public", rec.SchemaName)

	st, err := status.Get(context.Background(), "public", "products")
	require.NoError(t, err)
	assert.Equal(t, "completed", st.SyncStatus)
	require.NotNil(t, st.LastSyncCompleted, "watermark must advance on success")
}

func TestIncrementalWithoutWatermarkRunsFull(t *testing.T) {
	source := &fakeSource{rows: productRows(4)}
	status := newFakeStatus()
	p, vectors, _ := testPipeline(t, source, status)

	id, err := p.SyncTable(context.Background(), "public", "products", ModeIncremental)
	require.NoError(t, err)
	info := waitForJob(t, p, id)

	assert.Equal(t, "completed", info.State)
	assert.Equal(t, 4, vectors.count())
	assert.Contains(t, vectors.cleared, "public.products")
}

func TestIncrementalSyncsOnlyChangedRows(t *testing.T) {
	source := &fakeSource{
		rows:        productRows(10),
		updatedRows: productRows(2),
		cols: []db.Column{
			{Name: "id", DataType: "integer"},
			{Name: "updated_at", DataType: "timestamp without time zone"},
		},
	}
	status := newFakeStatus()
	watermark := time.Now().Add(-time.Hour)
	status.recs["public.products"] = &db.SyncStatusRecord{
		SchemaName:        "public",
		SourceTable:       "products",
		SyncStatus:        "completed",
		LastSyncCompleted: &watermark,
	}
	p, vectors, _ := testPipeline(t, source, status)

	id, err := p.SyncTable(context.Background(), "public", "products", ModeIncremental)
	require.NoError(t, err)
	info := waitForJob(t, p, id)

	assert.Equal(t, "completed", info.State)
	assert.Equal(t, 2, vectors.count(), "only rows past the watermark are ingested")
	assert.Empty(t, vectors.cleared, "incremental sync must not clear the table")

	st, _ := status.Get(context.Background(), "public", "products")
	assert.True(t, st.LastSyncCompleted.After(watermark), "watermark must advance")
}

func TestIncrementalPermissionDeniedFallsBackToFull(t *testing.T) {
	source := &fakeSource{
		rows:      productRows(3),
		cols:      []db.Column{{Name: "id", DataType: "integer"}, {Name: "name", DataType: "text"}},
		ensureErr: &pgconn.PgError{Code: "42501", Message: "permission denied"},
	}
	status := newFakeStatus()
	watermark := time.Now().Add(-time.Hour)
	status.recs["public.products"] = &db.SyncStatusRecord{
		SchemaName:        "public",
		SourceTable:       "products",
		LastSyncCompleted: &watermark,
	}
	p, vectors, _ := testPipeline(t, source, status)

	id, err := p.SyncTable(context.Background(), "public", "products", ModeIncremental)
	require.NoError(t, err)
	info := waitForJob(t, p, id)

	assert.Equal(t, "completed", info.State)
	assert.Equal(t, 1, source.ensureCalls)
	assert.Equal(t, 3, vectors.count())
	assert.Contains(t, vectors.cleared, "public.products")
}

func TestIncrementalNoChangesIsNoOp(t *testing.T) {
	source := &fakeSource{
		rows: productRows(5),
		cols: []db.Column{{Name: "updated_at", DataType: "timestamp without time zone"}},
	}
	status := newFakeStatus()
	watermark := time.Now().Add(-time.Hour)
	status.recs["public.products"] = &db.SyncStatusRecord{
		SchemaName:        "public",
		SourceTable:       "products",
		LastSyncCompleted: &watermark,
	}
	p, vectors, embedder := testPipeline(t, source, status)

	id, err := p.SyncTable(context.Background(), "public", "products", ModeIncremental)
	require.NoError(t, err)
	info := waitForJob(t, p, id)

	assert.Equal(t, "completed", info.State)
	assert.Equal(t, 0, vectors.count())
	assert.Equal(t, 0, embedder.submits)
}

func TestSyncRowAndDeleteRow(t *testing.T) {
	source := &fakeSource{}
	p, vectors, _ := testPipeline(t, source, newFakeStatus())

	row := map[string]any{"id": 42, "name": "Widget"}
	require.NoError(t, p.SyncRow(context.Background(), "public", "products", row))
	assert.Equal(t, 1, vectors.count())

	rec, _ := vectors.FetchOne(context.Background(), "public_products_42")
	require.NotNil(t, rec)
	assert.Contains(t, rec.Content, "Widget")

	require.NoError(t, p.DeleteRow(context.Background(), "public", "products", 42))
	assert.Equal(t, 0, vectors.count())
}

func TestPickUpdateColumn(t *testing.T) {
	cols := []db.Column{
		{Name: "created_at", DataType: "timestamp without time zone"},
		{Name: "updated_at", DataType: "timestamp without time zone"},
	}
	assert.Equal(t, "updated_at", PickUpdateColumn(cols), "updated_at is preferred over created_at")

	cols = []db.Column{
		{Name: "id", DataType: "integer"},
		{Name: "modified_at", DataType: "timestamp with time zone"},
	}
	assert.Equal(t, "modified_at", PickUpdateColumn(cols))

	cols = []db.Column{
		{Name: "id", DataType: "integer"},
		{Name: "shipped_on", DataType: "date"},
	}
	assert.Equal(t, "shipped_on", PickUpdateColumn(cols), "any timestamp-typed column is the fallback")

	cols = []db.Column{{Name: "id", DataType: "integer"}}
	assert.Equal(t, "", PickUpdateColumn(cols))
}

func TestClearEmbeddingsResetsStatus(t *testing.T) {
	source := &fakeSource{rows: productRows(2)}
	status := newFakeStatus()
	p, vectors, _ := testPipeline(t, source, status)

	id, err := p.SyncTable(context.Background(), "public", "products", ModeFull)
	require.NoError(t, err)
	waitForJob(t, p, id)
	require.Equal(t, 2, vectors.count())

	require.NoError(t, p.ClearEmbeddings(context.Background(), "public", "products"))
	assert.Equal(t, 0, vectors.count())

	st, err := status.Get(context.Background(), "public", "products")
	require.NoError(t, err)
	assert.Nil(t, st, "sync status must be reset so the next sync is full")
}
