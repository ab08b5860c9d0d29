package db

import (
	"database/sql/driver"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"
	pgvec "github.com/pgvector/pgvector-go"
)

// JSONMap is a map stored in a jsonb column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("jsonb scan: unsupported type %T", src)
	}
	return json.Unmarshal(raw, m)
}

// EmbeddingRecord is one embedded row in atabot.embeddings.
type EmbeddingRecord struct {
	ID          string       `gorm:"primaryKey;column:id"`
	SchemaName  string       `gorm:"column:schema_name;index:idx_embeddings_schema_table"`
	SourceTable string       `gorm:"column:table_name;index:idx_embeddings_schema_table"`
	Content     string       `gorm:"column:content"`
	Embedding   pgvec.Vector `gorm:"column:embedding"`
	Metadata    JSONMap      `gorm:"column:metadata;type:jsonb"`
	CreatedAt   time.Time    `gorm:"column:created_at"`
	UpdatedAt   time.Time    `gorm:"column:updated_at"`
}

func (EmbeddingRecord) TableName() string { return "atabot.embeddings" }

// CacheRecord is the persistent tier of the embedding cache.
type CacheRecord struct {
	TextHash     string          `gorm:"primaryKey;column:text_hash"`
	Embedding    pq.Float64Array `gorm:"column:embedding;type:float8[]"`
	CreatedAt    time.Time       `gorm:"column:created_at"`
	LastAccessed time.Time       `gorm:"column:last_accessed"`
	AccessCount  int64           `gorm:"column:access_count"`
	Metadata     JSONMap         `gorm:"column:metadata;type:jsonb"`
}

func (CacheRecord) TableName() string { return "atabot.embedding_cache" }

// ManagedSchemaRecord registers a source schema for ingestion.
type ManagedSchemaRecord struct {
	SchemaName      string     `gorm:"primaryKey;column:schema_name"`
	DisplayName     string     `gorm:"column:display_name"`
	IsActive        bool       `gorm:"column:is_active"`
	Metadata        JSONMap    `gorm:"column:metadata;type:jsonb"`
	LearnedPatterns JSONMap    `gorm:"column:learned_patterns;type:jsonb"`
	TotalTables     int        `gorm:"column:total_tables"`
	TotalRows       int64      `gorm:"column:total_rows"`
	BusinessDomain  string     `gorm:"column:business_domain"`
	LastSyncedAt    *time.Time `gorm:"column:last_synced_at"`
}

func (ManagedSchemaRecord) TableName() string { return "atabot.managed_schemas" }

// SyncStatusRecord tracks per-table sync state and the incremental watermark.
type SyncStatusRecord struct {
	SchemaName        string     `gorm:"primaryKey;column:schema_name"`
	SourceTable       string     `gorm:"primaryKey;column:table_name"`
	SyncStatus        string     `gorm:"column:sync_status"`
	LastSyncCompleted *time.Time `gorm:"column:last_sync_completed"`
	RowsSynced        int64      `gorm:"column:rows_synced"`
	RealtimeEnabled   bool       `gorm:"column:realtime_enabled"`
	LastError         string     `gorm:"column:last_error"`
}

func (SyncStatusRecord) TableName() string { return "atabot.sync_status" }

// QueryLogRecord is an append-only observability record per chat turn.
type QueryLogRecord struct {
	ID             int64     `gorm:"primaryKey;autoIncrement;column:id"`
	SessionID      string    `gorm:"column:session_id"`
	Query          string    `gorm:"column:query"`
	ResponseTimeMs int64     `gorm:"column:response_time_ms"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (QueryLogRecord) TableName() string { return "atabot.query_logs" }
