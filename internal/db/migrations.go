package db

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations creates the atabot control schema. The embeddings table is
// created with raw SQL because the vector(D) column width is configured at
// deploy time.
func runMigrations(db *gorm.DB, dimensions int) error {
	if dimensions <= 0 {
		dimensions = 1024
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_extension_and_schema",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE EXTENSION IF NOT EXISTS vector`,
					`CREATE SCHEMA IF NOT EXISTS atabot`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP SCHEMA IF EXISTS atabot CASCADE`).Error
			},
		},
		{
			ID: "002_embeddings",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					fmt.Sprintf(`CREATE TABLE IF NOT EXISTS atabot.embeddings (
						id TEXT PRIMARY KEY,
						schema_name TEXT NOT NULL,
						table_name TEXT NOT NULL,
						content TEXT NOT NULL,
						embedding vector(%d),
						metadata JSONB DEFAULT '{}',
						created_at TIMESTAMPTZ DEFAULT now(),
						updated_at TIMESTAMPTZ DEFAULT now()
					)`, dimensions),
					`CREATE INDEX IF NOT EXISTS idx_embeddings_schema_table
						ON atabot.embeddings (schema_name, table_name)`,
					`CREATE INDEX IF NOT EXISTS idx_embeddings_metadata
						ON atabot.embeddings USING gin (metadata)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP TABLE IF EXISTS atabot.embeddings`).Error
			},
		},
		{
			ID: "003_embedding_cache",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE TABLE IF NOT EXISTS atabot.embedding_cache (
						text_hash TEXT PRIMARY KEY,
						embedding FLOAT8[] NOT NULL,
						created_at TIMESTAMPTZ DEFAULT now(),
						last_accessed TIMESTAMPTZ DEFAULT now(),
						access_count BIGINT DEFAULT 1,
						metadata JSONB DEFAULT '{}'
					)`,
					`CREATE INDEX IF NOT EXISTS idx_embedding_cache_accessed
						ON atabot.embedding_cache (last_accessed DESC)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP TABLE IF EXISTS atabot.embedding_cache`).Error
			},
		},
		{
			ID: "004_control_tables",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE TABLE IF NOT EXISTS atabot.managed_schemas (
						schema_name TEXT PRIMARY KEY,
						display_name TEXT,
						is_active BOOLEAN DEFAULT false,
						metadata JSONB DEFAULT '{}',
						learned_patterns JSONB DEFAULT '{}',
						total_tables INT DEFAULT 0,
						total_rows BIGINT DEFAULT 0,
						business_domain TEXT DEFAULT '',
						last_synced_at TIMESTAMPTZ
					)`,
					`CREATE TABLE IF NOT EXISTS atabot.sync_status (
						schema_name TEXT NOT NULL,
						table_name TEXT NOT NULL,
						sync_status TEXT DEFAULT 'pending',
						last_sync_completed TIMESTAMPTZ,
						rows_synced BIGINT DEFAULT 0,
						realtime_enabled BOOLEAN DEFAULT false,
						last_error TEXT DEFAULT '',
						PRIMARY KEY (schema_name, table_name)
					)`,
					`CREATE TABLE IF NOT EXISTS atabot.query_logs (
						id BIGSERIAL PRIMARY KEY,
						session_id TEXT,
						query TEXT,
						response_time_ms BIGINT,
						created_at TIMESTAMPTZ DEFAULT now()
					)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(
					"atabot.managed_schemas", "atabot.sync_status", "atabot.query_logs")
			},
		},
		{
			ID: "005_embeddings_ivfflat",
			Migrate: func(tx *gorm.DB) error {
				// ivfflat needs data to build useful lists; IF NOT EXISTS keeps
				// re-runs cheap.
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_embeddings_embedding
					ON atabot.embeddings USING ivfflat (embedding vector_cosine_ops)
					WITH (lists = 100)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS atabot.idx_embeddings_embedding`).Error
			},
		},
	})

	return m.Migrate()
}
