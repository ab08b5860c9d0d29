package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// identPattern is the only shape of identifier the service will ever
// interpolate into SQL. Everything else is rejected.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// QuoteIdent validates and double-quotes a schema/table/column name.
// Values never go through here; they are always parameterised.
func QuoteIdent(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

// QuoteQualified quotes "schema"."table".
func QuoteQualified(schema, table string) (string, error) {
	qs, err := QuoteIdent(schema)
	if err != nil {
		return "", err
	}
	qt, err := QuoteIdent(table)
	if err != nil {
		return "", err
	}
	return qs + "." + qt, nil
}

// IsPermissionDenied reports whether err is a PostgreSQL
// insufficient_privilege error (SQLSTATE 42501).
func IsPermissionDenied(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

// Column describes one column of a source table.
type Column struct {
	Name         string
	DataType     string
	Nullable     bool
	IsPrimaryKey bool
}

// TableStat is a table name with its planner row estimate.
type TableStat struct {
	Name          string
	EstimatedRows int64
}

// ForeignKey is one FK edge discovered in a source schema.
type ForeignKey struct {
	FromTable  string
	FromColumn string
	ToTable    string
	ToColumn   string
}

// Introspector reads source-schema structure and data through the shared
// connection pool.
type Introspector struct {
	db *sql.DB
}

// NewIntrospector creates an Introspector over the store's raw connection.
func NewIntrospector(store *Store) *Introspector {
	return &Introspector{db: store.GetRawDB()}
}

// ListSchemas returns user schemas, excluding system schemas and atabot's own.
func (in *Introspector) ListSchemas(ctx context.Context) ([]string, error) {
	rows, err := in.db.QueryContext(ctx, `
		SELECT schema_name FROM information_schema.schemata
		WHERE schema_name NOT IN ('pg_catalog', 'information_schema', 'pg_toast', 'atabot')
		ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}
	return schemas, rows.Err()
}

// ListTables returns the tables of a schema with planner row estimates.
func (in *Introspector) ListTables(ctx context.Context, schema string) ([]TableStat, error) {
	rows, err := in.db.QueryContext(ctx, `
		SELECT c.relname, GREATEST(c.reltuples::bigint, 0)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind = 'r'
		ORDER BY c.relname`, schema)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", schema, err)
	}
	defer rows.Close()

	var tables []TableStat
	for rows.Next() {
		var t TableStat
		if err := rows.Scan(&t.Name, &t.EstimatedRows); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// TableColumns returns the ordered column list of a table, with primary-key
// membership resolved from pg_index.
func (in *Introspector) TableColumns(ctx context.Context, schema, table string) ([]Column, error) {
	rows, err := in.db.QueryContext(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable = 'YES',
		       EXISTS (
		           SELECT 1
		           FROM pg_index i
		           JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		           WHERE i.indrelid = format('%I.%I', c.table_schema, c.table_name)::regclass
		             AND i.indisprimary AND a.attname = c.column_name
		       )
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.IsPrimaryKey); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// ForeignKeys returns all FK edges within a schema.
func (in *Introspector) ForeignKeys(ctx context.Context, schema string) ([]ForeignKey, error) {
	rows, err := in.db.QueryContext(ctx, `
		SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1`, schema)
	if err != nil {
		return nil, fmt.Errorf("foreign keys of %s: %w", schema, err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.FromTable, &fk.FromColumn, &fk.ToTable, &fk.ToColumn); err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// CountRows counts the rows of a source table.
func (in *Introspector) CountRows(ctx context.Context, schema, table string) (int64, error) {
	qualified, err := QuoteQualified(schema, table)
	if err != nil {
		return 0, err
	}
	var n int64
	err = in.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+qualified).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", qualified, err)
	}
	return n, nil
}

// FetchPage returns one page of rows as generic maps, ordered by orderBy when
// it is non-empty.
func (in *Introspector) FetchPage(ctx context.Context, schema, table, orderBy string, limit, offset int) ([]map[string]any, error) {
	qualified, err := QuoteQualified(schema, table)
	if err != nil {
		return nil, err
	}
	query := "SELECT * FROM " + qualified
	if orderBy != "" {
		qc, err := QuoteIdent(orderBy)
		if err != nil {
			return nil, err
		}
		query += " ORDER BY " + qc
	}
	query += " LIMIT $1 OFFSET $2"

	rows, err := in.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch page %s: %w", qualified, err)
	}
	defer rows.Close()
	return scanRowMaps(rows)
}

// FetchUpdatedSince returns one page of rows whose update column advanced
// past the watermark.
func (in *Introspector) FetchUpdatedSince(ctx context.Context, schema, table, column string, since time.Time, limit, offset int) ([]map[string]any, error) {
	qualified, err := QuoteQualified(schema, table)
	if err != nil {
		return nil, err
	}
	qc, err := QuoteIdent(column)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 ORDER BY %s LIMIT $2 OFFSET $3",
		qualified, qc, qc)

	rows, err := in.db.QueryContext(ctx, query, since, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch updated %s: %w", qualified, err)
	}
	defer rows.Close()
	return scanRowMaps(rows)
}

// CountUpdatedSince counts rows past the watermark.
func (in *Introspector) CountUpdatedSince(ctx context.Context, schema, table, column string, since time.Time) (int64, error) {
	qualified, err := QuoteQualified(schema, table)
	if err != nil {
		return 0, err
	}
	qc, err := QuoteIdent(column)
	if err != nil {
		return 0, err
	}
	var n int64
	err = in.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s > $1", qualified, qc), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count updated %s: %w", qualified, err)
	}
	return n, nil
}

// FetchRowByPK returns a single row by primary-key value, or nil when absent.
func (in *Introspector) FetchRowByPK(ctx context.Context, schema, table, pkColumn string, pkValue any) (map[string]any, error) {
	qualified, err := QuoteQualified(schema, table)
	if err != nil {
		return nil, err
	}
	qc, err := QuoteIdent(pkColumn)
	if err != nil {
		return nil, err
	}
	rows, err := in.db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = $1 LIMIT 1", qualified, qc), pkValue)
	if err != nil {
		return nil, fmt.Errorf("fetch row %s: %w", qualified, err)
	}
	defer rows.Close()
	maps, err := scanRowMaps(rows)
	if err != nil || len(maps) == 0 {
		return nil, err
	}
	return maps[0], nil
}

// Query runs an arbitrary read-only statement (already validated by the
// caller) and returns generic row maps.
func (in *Introspector) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := in.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRowMaps(rows)
}

// EnsureUpdateColumn adds an updated_at column plus a BEFORE UPDATE trigger
// so incremental sync has a watermark column to compare against. Fails with
// a permission error on read-only source schemas; callers fall back to full
// sync.
func (in *Introspector) EnsureUpdateColumn(ctx context.Context, schema, table string) error {
	qualified, err := QuoteQualified(schema, table)
	if err != nil {
		return err
	}
	qs, err := QuoteIdent(schema)
	if err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ DEFAULT now()`, qualified),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s.atabot_touch_updated_at() RETURNS trigger AS $$
			BEGIN
				NEW.updated_at = now();
				RETURN NEW;
			END
			$$ LANGUAGE plpgsql`, qs),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS atabot_touch_%s ON %s`, table, qualified),
		fmt.Sprintf(`CREATE TRIGGER atabot_touch_%s BEFORE UPDATE ON %s
			FOR EACH ROW EXECUTE FUNCTION %s.atabot_touch_updated_at()`, table, qualified, qs),
	}
	for _, s := range stmts {
		if _, err := in.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("ensure update column on %s: %w", qualified, err)
		}
	}
	return nil
}

// CreateChangeTrigger installs an AFTER trigger that funnels row changes into
// the atabot_data_change notification channel for realtime sync.
func (in *Introspector) CreateChangeTrigger(ctx context.Context, schema, table string) error {
	qualified, err := QuoteQualified(schema, table)
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE OR REPLACE FUNCTION atabot.notify_data_change() RETURNS trigger AS $$
		DECLARE
			payload text;
		BEGIN
			payload := json_build_object(
				'schema', TG_TABLE_SCHEMA,
				'table', TG_TABLE_NAME,
				'op', TG_OP,
				'row', row_to_json(COALESCE(NEW, OLD))
			)::text;
			-- pg_notify payloads are capped at 8000 bytes; fall back to a
			-- rowless event and let the listener resync the table.
			IF octet_length(payload) > 7500 THEN
				payload := json_build_object(
					'schema', TG_TABLE_SCHEMA,
					'table', TG_TABLE_NAME,
					'op', TG_OP
				)::text;
			END IF;
			PERFORM pg_notify('atabot_data_change', payload);
			RETURN COALESCE(NEW, OLD);
		END
		$$ LANGUAGE plpgsql`,
		fmt.Sprintf(`DROP TRIGGER IF EXISTS atabot_sync_%s ON %s`, table, qualified),
		fmt.Sprintf(`CREATE TRIGGER atabot_sync_%s AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE FUNCTION atabot.notify_data_change()`, table, qualified),
	}
	for _, s := range stmts {
		if _, err := in.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create change trigger on %s: %w", qualified, err)
		}
	}
	return nil
}

// scanRowMaps converts a generic result set into []map[string]any.
// Driver types are kept as-is; bytea columns surface as []byte so the
// metadata sanitiser can recognise binaries.
func scanRowMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
