// Package models defines the request/response types shared between the HTTP
// layer and the chat/sync services.
package models

import "time"

// ChatRequest is the body of POST /chat and POST /chat/stream.
type ChatRequest struct {
	Query          string `json:"query"`
	SessionID      string `json:"session_id,omitempty"`
	Schema         string `json:"schema,omitempty"`
	TopK           int    `json:"top_k,omitempty"`
	IncludeSources bool   `json:"include_sources,omitempty"`
}

// Source identifies where a retrieved answer fragment came from.
type Source struct {
	Schema string  `json:"schema"`
	Table  string  `json:"table"`
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
}

// ChatResponse is the result of one chat turn.
type ChatResponse struct {
	Answer         string         `json:"answer"`
	Sources        []Source       `json:"sources,omitempty"`
	SessionID      string         `json:"session_id"`
	ProcessingTime float64        `json:"processing_time_ms"`
	Rejected       bool           `json:"rejected,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// StreamEventType enumerates the SSE event kinds emitted by /chat/stream.
type StreamEventType string

const (
	EventStart    StreamEventType = "start"
	EventContent  StreamEventType = "content"
	EventSources  StreamEventType = "sources"
	EventComplete StreamEventType = "complete"
	EventError    StreamEventType = "error"
)

// StreamEvent is one SSE payload line on /chat/stream.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Content   string          `json:"content,omitempty"`
	Sources   []Source        `json:"sources,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SyncRequest is the unified body of POST /sync. Exactly one of Table or
// Tables narrows the scope; both empty means the whole schema.
type SyncRequest struct {
	Schema    string   `json:"schema"`
	Table     string   `json:"table,omitempty"`
	Tables    []string `json:"tables,omitempty"`
	ForceFull bool     `json:"force_full,omitempty"`
}

// JobProgress reports how far a sync job has advanced.
type JobProgress struct {
	Percentage    float64 `json:"percentage"`
	RowsProcessed int64   `json:"rows_processed"`
	TotalRows     int64   `json:"total_rows"`
}

// JobInfo is the externally visible state of a sync job.
type JobInfo struct {
	ID          string      `json:"id"`
	Schema      string      `json:"schema"`
	Table       string      `json:"table,omitempty"`
	Mode        string      `json:"mode"`
	State       string      `json:"state"`
	Progress    JobProgress `json:"progress"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// SchemaInfo summarises one managed schema for the listing endpoints.
type SchemaInfo struct {
	Name         string     `json:"name"`
	DisplayName  string     `json:"display_name"`
	IsActive     bool       `json:"is_active"`
	TotalTables  int        `json:"total_tables"`
	TotalRows    int64      `json:"total_rows"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// TableInfo describes one source table within a schema.
type TableInfo struct {
	Name          string `json:"name"`
	EstimatedRows int64  `json:"estimated_rows"`
}

// Relationship is a foreign-key edge between two tables of a schema.
type Relationship struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}
