// Package schema manages the registration and learned metadata of source
// schemas. A schema must be registered before any of its tables can sync;
// registration can fall back to default patterns derived from the catalog.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atamadata/atabot/internal/db"
)

// TableMetadata is the learned (or defaulted) per-table search metadata.
type TableMetadata struct {
	EntityType       string            `json:"entity_type"`
	DisplayFields    []string          `json:"display_fields"`
	SearchableFields []string          `json:"searchable_fields"`
	Terminology      map[string]string `json:"terminology,omitempty"`
	PrimaryKey       string            `json:"primary_key,omitempty"`
}

// Managed is the in-memory view of one registered schema.
type Managed struct {
	Name         string
	DisplayName  string
	IsActive     bool
	Tables       map[string]TableMetadata
	TotalTables  int
	TotalRows    int64
	LastSyncedAt *time.Time
}

// Registry persists schema registrations in atabot.managed_schemas.
type Registry struct {
	gdb   *gorm.DB
	intro *db.Introspector
}

// NewRegistry creates a registry.
func NewRegistry(store *db.Store, intro *db.Introspector) *Registry {
	return &Registry{gdb: store.GetDB(), intro: intro}
}

var pkPattern = regexp.MustCompile(`^(id|uuid)$|_id$|serial$`)

var textualTypes = map[string]bool{
	"text":              true,
	"character varying": true,
	"varchar":           true,
	"character":         true,
	"citext":            true,
}

// DefaultTableMetadata derives minimal metadata from the column catalog:
// entity_type record, the first up-to-3 textual columns as display and
// searchable fields, and a primary-key heuristic.
func DefaultTableMetadata(cols []db.Column) TableMetadata {
	meta := TableMetadata{EntityType: "record"}

	for _, c := range cols {
		if c.IsPrimaryKey {
			meta.PrimaryKey = c.Name
			break
		}
	}
	if meta.PrimaryKey == "" {
		for _, c := range cols {
			if pkPattern.MatchString(strings.ToLower(c.Name)) {
				meta.PrimaryKey = c.Name
				break
			}
		}
	}

	for _, c := range cols {
		if len(meta.DisplayFields) >= 3 {
			break
		}
		if textualTypes[c.DataType] && !strings.HasPrefix(c.Name, "_") {
			meta.DisplayFields = append(meta.DisplayFields, c.Name)
		}
	}
	meta.SearchableFields = append([]string(nil), meta.DisplayFields...)
	return meta
}

// Register introspects a source schema and upserts its registration with
// default per-table metadata. Existing learned metadata is preserved.
func (r *Registry) Register(ctx context.Context, name string) (*Managed, error) {
	tables, err := r.intro.ListTables(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("register schema %s: %w", name, err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("schema %s has no tables", name)
	}

	existing, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	managed := &Managed{
		Name:        name,
		DisplayName: name,
		Tables:      make(map[string]TableMetadata, len(tables)),
	}
	if existing != nil {
		managed.DisplayName = existing.DisplayName
		managed.IsActive = existing.IsActive
		managed.LastSyncedAt = existing.LastSyncedAt
	}

	var totalRows int64
	for _, t := range tables {
		totalRows += t.EstimatedRows
		if existing != nil {
			if meta, ok := existing.Tables[t.Name]; ok {
				managed.Tables[t.Name] = meta
				continue
			}
		}
		cols, err := r.intro.TableColumns(ctx, name, t.Name)
		if err != nil {
			return nil, fmt.Errorf("register table %s.%s: %w", name, t.Name, err)
		}
		managed.Tables[t.Name] = DefaultTableMetadata(cols)
	}
	managed.TotalTables = len(tables)
	managed.TotalRows = totalRows

	if err := r.save(ctx, managed); err != nil {
		return nil, err
	}
	log.Info().
		Str("schema", name).
		Int("tables", managed.TotalTables).
		Int64("rows", managed.TotalRows).
		Msg("Schema registered")
	return managed, nil
}

// EnsureRegistered returns the schema's registration, creating a minimal one
// with default patterns when absent.
func (r *Registry) EnsureRegistered(ctx context.Context, name string) (*Managed, error) {
	managed, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if managed != nil {
		return managed, nil
	}
	return r.Register(ctx, name)
}

// Get loads a registration, or nil when the schema is unknown.
func (r *Registry) Get(ctx context.Context, name string) (*Managed, error) {
	var rec db.ManagedSchemaRecord
	err := r.gdb.WithContext(ctx).Where("schema_name = ?", name).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schema %s: %w", name, err)
	}
	return fromRecord(&rec)
}

// List returns every registration.
func (r *Registry) List(ctx context.Context) ([]*Managed, error) {
	var recs []db.ManagedSchemaRecord
	if err := r.gdb.WithContext(ctx).Order("schema_name").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	out := make([]*Managed, 0, len(recs))
	for i := range recs {
		m, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// FirstActive returns the name of the first active schema, or empty.
func (r *Registry) FirstActive(ctx context.Context) (string, error) {
	var rec db.ManagedSchemaRecord
	err := r.gdb.WithContext(ctx).
		Where("is_active = ?", true).
		Order("schema_name").
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("first active schema: %w", err)
	}
	return rec.SchemaName, nil
}

// SetActive toggles the active flag.
func (r *Registry) SetActive(ctx context.Context, name string, active bool) error {
	res := r.gdb.WithContext(ctx).
		Model(&db.ManagedSchemaRecord{}).
		Where("schema_name = ?", name).
		Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("set schema %s active=%t: %w", name, active, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("schema %s is not registered", name)
	}
	return nil
}

// MarkSynced records a completed sync for observability.
func (r *Registry) MarkSynced(ctx context.Context, name string) error {
	now := time.Now()
	return r.gdb.WithContext(ctx).
		Model(&db.ManagedSchemaRecord{}).
		Where("schema_name = ?", name).
		Update("last_synced_at", now).Error
}

// Delete removes a registration.
func (r *Registry) Delete(ctx context.Context, name string) error {
	return r.gdb.WithContext(ctx).
		Where("schema_name = ?", name).
		Delete(&db.ManagedSchemaRecord{}).Error
}

// TableMeta returns the metadata of one table, falling back to empty
// defaults for unregistered tables.
func (r *Registry) TableMeta(ctx context.Context, schemaName, table string) (TableMetadata, error) {
	managed, err := r.Get(ctx, schemaName)
	if err != nil {
		return TableMetadata{}, err
	}
	if managed == nil {
		return TableMetadata{EntityType: "record"}, nil
	}
	if meta, ok := managed.Tables[table]; ok {
		return meta, nil
	}
	return TableMetadata{EntityType: "record"}, nil
}

func (r *Registry) save(ctx context.Context, m *Managed) error {
	meta := make(db.JSONMap, len(m.Tables))
	for name, t := range m.Tables {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal table metadata %s: %w", name, err)
		}
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		meta[name] = generic
	}

	rec := db.ManagedSchemaRecord{
		SchemaName:   m.Name,
		DisplayName:  m.DisplayName,
		IsActive:     m.IsActive,
		Metadata:     meta,
		TotalTables:  m.TotalTables,
		TotalRows:    m.TotalRows,
		LastSyncedAt: m.LastSyncedAt,
	}
	return r.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "schema_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"display_name", "metadata", "total_tables", "total_rows",
			}),
		}).
		Create(&rec).Error
}

func fromRecord(rec *db.ManagedSchemaRecord) (*Managed, error) {
	m := &Managed{
		Name:         rec.SchemaName,
		DisplayName:  rec.DisplayName,
		IsActive:     rec.IsActive,
		Tables:       make(map[string]TableMetadata, len(rec.Metadata)),
		TotalTables:  rec.TotalTables,
		TotalRows:    rec.TotalRows,
		LastSyncedAt: rec.LastSyncedAt,
	}
	for table, raw := range rec.Metadata {
		buf, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("decode table metadata %s: %w", table, err)
		}
		var meta TableMetadata
		if err := json.Unmarshal(buf, &meta); err != nil {
			return nil, fmt.Errorf("decode table metadata %s: %w", table, err)
		}
		m.Tables[table] = meta
	}
	return m, nil
}
