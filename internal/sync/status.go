package sync

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atamadata/atabot/internal/db"
)

// StatusStore persists per-table sync state. The last_sync_completed column
// is the incremental watermark and only advances on success.
type StatusStore interface {
	Get(ctx context.Context, schema, table string) (*db.SyncStatusRecord, error)
	MarkRunning(ctx context.Context, schema, table string) error
	MarkCompleted(ctx context.Context, schema, table string, rows int64, completedAt time.Time) error
	MarkFailed(ctx context.Context, schema, table, lastError string) error
	All(ctx context.Context) ([]db.SyncStatusRecord, error)
	Reset(ctx context.Context, schema, table string) error
}

// GormStatusStore is the atabot.sync_status implementation.
type GormStatusStore struct {
	gdb *gorm.DB
}

// NewStatusStore creates a status store over the control schema.
func NewStatusStore(store *db.Store) *GormStatusStore {
	return &GormStatusStore{gdb: store.GetDB()}
}

func (s *GormStatusStore) Get(ctx context.Context, schema, table string) (*db.SyncStatusRecord, error) {
	var rec db.SyncStatusRecord
	err := s.gdb.WithContext(ctx).
		Where("schema_name = ? AND table_name = ?", schema, table).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync status %s.%s: %w", schema, table, err)
	}
	return &rec, nil
}

func (s *GormStatusStore) MarkRunning(ctx context.Context, schema, table string) error {
	rec := db.SyncStatusRecord{
		SchemaName:  schema,
		SourceTable: table,
		SyncStatus:  "running",
	}
	return s.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "schema_name"}, {Name: "table_name"}},
			DoUpdates: clause.Assignments(map[string]any{
				"sync_status": "running",
				"last_error":  "",
			}),
		}).
		Create(&rec).Error
}

func (s *GormStatusStore) MarkCompleted(ctx context.Context, schema, table string, rows int64, completedAt time.Time) error {
	return s.gdb.WithContext(ctx).
		Model(&db.SyncStatusRecord{}).
		Where("schema_name = ? AND table_name = ?", schema, table).
		Updates(map[string]any{
			"sync_status":         "completed",
			"last_sync_completed": completedAt,
			"rows_synced":         rows,
			"last_error":          "",
		}).Error
}

func (s *GormStatusStore) MarkFailed(ctx context.Context, schema, table, lastError string) error {
	if len(lastError) > 1000 {
		lastError = lastError[:1000]
	}
	return s.gdb.WithContext(ctx).
		Model(&db.SyncStatusRecord{}).
		Where("schema_name = ? AND table_name = ?", schema, table).
		Updates(map[string]any{
			"sync_status": "failed",
			"last_error":  lastError,
		}).Error
}

func (s *GormStatusStore) All(ctx context.Context) ([]db.SyncStatusRecord, error) {
	var recs []db.SyncStatusRecord
	err := s.gdb.WithContext(ctx).
		Order("schema_name, table_name").
		Find(&recs).Error
	return recs, err
}

func (s *GormStatusStore) Reset(ctx context.Context, schema, table string) error {
	q := s.gdb.WithContext(ctx).Where("schema_name = ?", schema)
	if table != "" {
		q = q.Where("table_name = ?", table)
	}
	return q.Delete(&db.SyncStatusRecord{}).Error
}

var _ StatusStore = (*GormStatusStore)(nil)
