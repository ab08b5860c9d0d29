// Package pgvector implements the vector store on PostgreSQL with the
// pgvector extension.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	pgvec "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atamadata/atabot/internal/db"
	"github.com/atamadata/atabot/internal/vector"
)

// numericPrefix guards ::numeric casts against non-numeric metadata values.
const numericPrefix = `^-?[0-9]`

// Config holds configuration for the pgvector client.
type Config struct {
	DB         *gorm.DB // required
	Dimensions int      // required
}

// Client provides vector operations over atabot.embeddings.
type Client struct {
	db    *gorm.DB
	sqlDB *sql.DB
	dims  int
}

// NewClient creates a pgvector client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("DB is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("Dimensions must be positive")
	}
	sqlDB, err := cfg.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	return &Client{db: cfg.DB, sqlDB: sqlDB, dims: cfg.Dimensions}, nil
}

// Upsert inserts or replaces a single embedding row.
func (c *Client) Upsert(ctx context.Context, rec vector.Record) error {
	return c.UpsertMany(ctx, []vector.Record{rec})
}

// UpsertMany inserts or replaces embedding rows, idempotent by id.
// Rows without a vector are skipped rather than stored empty.
func (c *Client) UpsertMany(ctx context.Context, recs []vector.Record) error {
	if len(recs) == 0 {
		return nil
	}

	records := make([]db.EmbeddingRecord, 0, len(recs))
	for _, r := range recs {
		if len(r.Embedding) != c.dims {
			log.Warn().
				Str("id", r.ID).
				Int("got", len(r.Embedding)).
				Int("want", c.dims).
				Msg("Skipping embedding with wrong dimensionality")
			continue
		}
		records = append(records, db.EmbeddingRecord{
			ID:          r.ID,
			SchemaName:  r.SchemaName,
			SourceTable: r.TableName,
			Content:     r.Content,
			Embedding:   pgvec.NewVector(r.Embedding),
			Metadata:    db.JSONMap(r.Metadata),
		})
	}
	if len(records) == 0 {
		return nil
	}

	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"schema_name", "table_name", "content", "embedding", "metadata", "updated_at",
			}),
		}).
		Create(&records).Error
}

// DeleteByID removes one embedding row.
func (c *Client) DeleteByID(ctx context.Context, id string) error {
	return c.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&db.EmbeddingRecord{}).Error
}

// DeleteBySchemaTable removes every embedding of one source table, or of a
// whole schema when table is empty.
func (c *Client) DeleteBySchemaTable(ctx context.Context, schema, table string) error {
	q := c.db.WithContext(ctx).Where("schema_name = ?", schema)
	if table != "" {
		q = q.Where("table_name = ?", table)
	}
	return q.Delete(&db.EmbeddingRecord{}).Error
}

// Search runs a filtered cosine nearest-neighbour query. Results below
// MinSimilarity are dropped. Store unavailability fails closed with an
// empty result.
func (c *Client) Search(ctx context.Context, q vector.SearchQuery) ([]vector.Result, error) {
	if len(q.Vector) != c.dims {
		return nil, fmt.Errorf("query vector has %d dims, store expects %d", len(q.Vector), c.dims)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	// $1 is reserved for the query vector.
	args := []any{pgvec.NewVector(q.Vector)}
	conds := []string{}
	argIdx := 2

	conds = append(conds, fmt.Sprintf("schema_name = $%d", argIdx))
	args = append(args, q.SchemaName)
	argIdx++

	if q.TableName != "" {
		conds = append(conds, fmt.Sprintf("table_name = $%d", argIdx))
		args = append(args, q.TableName)
		argIdx++
	}

	filterConds, filterArgs, err := buildMetadataFilters(q.Filters, argIdx)
	if err != nil {
		return nil, err
	}
	conds = append(conds, filterConds...)
	args = append(args, filterArgs...)
	argIdx += len(filterArgs)

	args = append(args, limit)
	sqlStr := fmt.Sprintf(`
		SELECT id, schema_name, table_name, content, metadata, embedding <=> $1 AS distance
		FROM atabot.embeddings
		WHERE %s
		ORDER BY distance
		LIMIT $%d`,
		strings.Join(conds, " AND "), argIdx)

	rows, err := c.sqlDB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		log.Error().Err(err).Str("schema", q.SchemaName).Msg("Vector search failed, returning empty")
		return []vector.Result{}, nil
	}
	defer rows.Close()

	var results []vector.Result
	for rows.Next() {
		var (
			r        vector.Result
			meta     db.JSONMap
			distance float64
		)
		if err := rows.Scan(&r.ID, &r.SchemaName, &r.TableName, &r.Content, &meta, &distance); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		r.Similarity = vector.DistanceToSimilarity(distance)
		if r.Similarity < q.MinSimilarity {
			continue
		}
		r.Score = r.Similarity
		r.Metadata = meta
		results = append(results, r)
	}
	return results, rows.Err()
}

// AggregateLookup orders rows by a numeric metadata field without touching
// the vector column. Rows whose field is missing or non-numeric are skipped.
func (c *Client) AggregateLookup(ctx context.Context, q vector.AggregateQuery) ([]vector.Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}

	args := []any{q.SchemaName, q.Field, numericPrefix}
	tableCond := ""
	argIdx := 4
	if q.TableName != "" {
		tableCond = fmt.Sprintf(" AND table_name = $%d", argIdx)
		args = append(args, q.TableName)
		argIdx++
	}
	args = append(args, limit)

	sqlStr := fmt.Sprintf(`
		SELECT id, schema_name, table_name, content, metadata
		FROM atabot.embeddings
		WHERE schema_name = $1
		  AND jsonb_exists(metadata, $2)
		  AND metadata->>$2 ~ $3%s
		ORDER BY (metadata->>$2)::numeric %s
		LIMIT $%d`,
		tableCond, direction, argIdx)

	rows, err := c.sqlDB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		log.Error().Err(err).Str("field", q.Field).Msg("Aggregate lookup failed, returning empty")
		return []vector.Result{}, nil
	}
	defer rows.Close()

	var results []vector.Result
	for rows.Next() {
		var (
			r    vector.Result
			meta db.JSONMap
		)
		if err := rows.Scan(&r.ID, &r.SchemaName, &r.TableName, &r.Content, &meta); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		r.Metadata = meta
		results = append(results, r)
	}
	return results, rows.Err()
}

// KeywordSearch runs an ILIKE scan with prioritized scoring: exact phrase
// beats whole-word terms beats partial matches. Ties break on shortest
// content first.
func (c *Client) KeywordSearch(ctx context.Context, q vector.KeywordQuery) ([]vector.Result, error) {
	if len(q.Terms) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	args := []any{"%" + q.Phrase + "%", q.SchemaName}
	argIdx := 3

	var wordConds, partialConds []string
	for _, term := range q.Terms {
		wordConds = append(wordConds, fmt.Sprintf("content ~* $%d", argIdx))
		args = append(args, `\m`+regexp.QuoteMeta(term)+`\M`)
		argIdx++
		partialConds = append(partialConds, fmt.Sprintf("content ILIKE $%d", argIdx))
		args = append(args, "%"+term+"%")
		argIdx++
	}

	tableCond := ""
	if q.TableName != "" {
		tableCond = fmt.Sprintf(" AND table_name = $%d", argIdx)
		args = append(args, q.TableName)
		argIdx++
	}
	args = append(args, limit)

	sqlStr := fmt.Sprintf(`
		SELECT id, schema_name, table_name, content, metadata,
		       CASE
		           WHEN content ILIKE $1 THEN 1.0
		           WHEN %s THEN 0.9
		           ELSE 0.8
		       END AS score
		FROM atabot.embeddings
		WHERE schema_name = $2%s AND (%s)
		ORDER BY score DESC, length(content) ASC
		LIMIT $%d`,
		strings.Join(wordConds, " AND "),
		tableCond,
		strings.Join(partialConds, " OR "),
		argIdx)

	rows, err := c.sqlDB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		log.Error().Err(err).Str("phrase", q.Phrase).Msg("Keyword search failed, returning empty")
		return []vector.Result{}, nil
	}
	defer rows.Close()

	var results []vector.Result
	for rows.Next() {
		var (
			r    vector.Result
			meta db.JSONMap
		)
		if err := rows.Scan(&r.ID, &r.SchemaName, &r.TableName, &r.Content, &meta, &r.Score); err != nil {
			return nil, fmt.Errorf("scan keyword row: %w", err)
		}
		r.Metadata = meta
		results = append(results, r)
	}
	return results, rows.Err()
}

// FetchOne returns one record with its vector, or nil when absent.
func (c *Client) FetchOne(ctx context.Context, id string) (*vector.Record, error) {
	var rec db.EmbeddingRecord
	err := c.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch embedding %s: %w", id, err)
	}
	return &vector.Record{
		ID:         rec.ID,
		SchemaName: rec.SchemaName,
		TableName:  rec.SourceTable,
		Content:    rec.Content,
		Embedding:  rec.Embedding.Slice(),
		Metadata:   rec.Metadata,
	}, nil
}

// CountBySchemaTable counts stored embeddings for one table, or a whole
// schema when table is empty.
func (c *Client) CountBySchemaTable(ctx context.Context, schema, table string) (int64, error) {
	q := c.db.WithContext(ctx).Model(&db.EmbeddingRecord{}).Where("schema_name = ?", schema)
	if table != "" {
		q = q.Where("table_name = ?", table)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// buildMetadataFilters translates the filter map into parameterised SQL.
// Keys are bound as parameters too, so no identifier ever reaches the
// statement text.
func buildMetadataFilters(filters map[string]any, argIdx int) ([]string, []any, error) {
	if len(filters) == 0 {
		return nil, nil, nil
	}
	var conds []string
	var args []any

	for key, raw := range filters {
		ops, isOps := raw.(map[string]any)
		if !isOps {
			// Scalar equality.
			if isNumber(raw) {
				conds = append(conds, fmt.Sprintf(
					"(metadata->>$%d ~ '%s' AND (metadata->>$%d)::numeric = $%d)",
					argIdx, numericPrefix, argIdx, argIdx+1))
			} else {
				conds = append(conds, fmt.Sprintf("metadata->>$%d = $%d", argIdx, argIdx+1))
			}
			args = append(args, key, scalarValue(raw))
			argIdx += 2
			continue
		}

		for op, val := range ops {
			switch op {
			case "gte":
				conds = append(conds, fmt.Sprintf(
					"(metadata->>$%d ~ '%s' AND (metadata->>$%d)::numeric >= $%d)",
					argIdx, numericPrefix, argIdx, argIdx+1))
				args = append(args, key, val)
				argIdx += 2
			case "lte":
				conds = append(conds, fmt.Sprintf(
					"(metadata->>$%d ~ '%s' AND (metadata->>$%d)::numeric <= $%d)",
					argIdx, numericPrefix, argIdx, argIdx+1))
				args = append(args, key, val)
				argIdx += 2
			case "contains":
				conds = append(conds, fmt.Sprintf(
					"metadata->>$%d ILIKE '%%' || $%d || '%%'", argIdx, argIdx+1))
				args = append(args, key, fmt.Sprintf("%v", val))
				argIdx += 2
			case "exists":
				want, _ := val.(bool)
				if want {
					conds = append(conds, fmt.Sprintf("jsonb_exists(metadata, $%d)", argIdx))
				} else {
					conds = append(conds, fmt.Sprintf("NOT jsonb_exists(metadata, $%d)", argIdx))
				}
				args = append(args, key)
				argIdx++
			default:
				return nil, nil, fmt.Errorf("unsupported metadata filter operator %q", op)
			}
		}
	}
	return conds, args, nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

// scalarValue renders an equality operand as text, matching the ->> output.
func scalarValue(v any) any {
	if isNumber(v) {
		return v
	}
	return fmt.Sprintf("%v", v)
}

// Compile-time check: Client must satisfy vector.Store.
var _ vector.Store = (*Client)(nil)
