// Package db provides the PostgreSQL store backing both the atabot control
// schema and raw access to the source schemas being ingested.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the GORM connection plus the underlying *sql.DB for raw
// pgvector and introspection queries.
type Store struct {
	DB    *gorm.DB
	sqlDB *sql.DB

	healthCacheMu   sync.RWMutex
	cachedHealth    *HealthInfo
	healthCacheTime time.Time
	healthCacheTTL  time.Duration
}

// Config holds database configuration.
type Config struct {
	DSN         string
	MaxConns    int           // default 20
	PoolTimeout time.Duration // startup connectivity check, default 30s
	Dimensions  int           // embedding vector width for migrations
	LogLevel    logger.LogLevel
}

// ParseLogLevel maps a log-level name to the GORM logger level. SQL echo is
// only wanted at debug verbosity; anything unknown stays quiet at Warn.
func ParseLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "debug", "trace":
		return logger.Info
	default:
		return logger.Warn
	}
}

// NewStore connects to PostgreSQL, configures the pool and runs migrations.
func NewStore(cfg Config) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 20
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns / 2)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	pingTimeout := cfg.PoolTimeout
	if pingTimeout <= 0 {
		pingTimeout = 30 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{
		DB:             db,
		sqlDB:          sqlDB,
		healthCacheTTL: 5 * time.Second,
	}

	if err := runMigrations(db, cfg.Dimensions); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	store.WarmPool(maxConns / 2)
	return store, nil
}

// WarmPool pre-creates connections to avoid cold start latency.
func (s *Store) WarmPool(numConns int) {
	if numConns <= 0 {
		numConns = 4
	}
	var wg sync.WaitGroup
	for i := 0; i < numConns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			conn, err := s.sqlDB.Conn(ctx)
			if err != nil {
				return
			}
			_ = conn.PingContext(ctx)
			_ = conn.Close()
		}()
	}
	wg.Wait()
	log.Debug().Int("connections", numConns).Msg("Connection pool warmed")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// GetRawDB returns the underlying *sql.DB for operations GORM can't handle:
// pgvector distance queries, information_schema introspection, dynamic
// source-table paging.
func (s *Store) GetRawDB() *sql.DB {
	return s.sqlDB
}

// GetDB returns the GORM DB instance for standard queries.
func (s *Store) GetDB() *gorm.DB {
	return s.DB
}

// Stats returns database connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.sqlDB.Stats()
}

// HealthInfo contains database health check results.
type HealthInfo struct {
	Timestamp    time.Time     `json:"timestamp"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	Warning      string        `json:"warning,omitempty"`
	QueryLatency time.Duration `json:"query_latency_ns"`
	OpenConns    int           `json:"open_connections"`
	InUse        int           `json:"in_use"`
}

// HealthCheck measures pool state and query latency. Results are cached for
// a few seconds so frequent monitoring calls don't load the database.
func (s *Store) HealthCheck(ctx context.Context) *HealthInfo {
	s.healthCacheMu.RLock()
	if s.cachedHealth != nil && time.Since(s.healthCacheTime) < s.healthCacheTTL {
		cached := s.cachedHealth
		s.healthCacheMu.RUnlock()
		return cached
	}
	s.healthCacheMu.RUnlock()

	info := s.performHealthCheck(ctx)

	s.healthCacheMu.Lock()
	s.cachedHealth = info
	s.healthCacheTime = time.Now()
	s.healthCacheMu.Unlock()
	return info
}

func (s *Store) performHealthCheck(ctx context.Context) *HealthInfo {
	info := &HealthInfo{
		Status:    "healthy",
		Timestamp: time.Now(),
	}

	stats := s.sqlDB.Stats()
	info.OpenConns = stats.OpenConnections
	info.InUse = stats.InUse

	start := time.Now()
	var dummy int
	err := s.sqlDB.QueryRowContext(ctx, "SELECT 1").Scan(&dummy)
	info.QueryLatency = time.Since(start)
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}

	if stats.InUse > 0 && float64(stats.InUse)/float64(stats.OpenConnections) > 0.8 {
		info.Status = "degraded"
		info.Warning = "connection pool heavily utilized"
	}
	if info.QueryLatency > 10*time.Millisecond {
		if info.Status == "healthy" {
			info.Status = "degraded"
		}
		info.Warning = fmt.Sprintf("slow query latency: %v", info.QueryLatency)
	}
	return info
}

// WithTimeout wraps a context with a timeout and logs slow operations on
// cancel.
func (s *Store) WithTimeout(ctx context.Context, timeout time.Duration, operation string) (context.Context, context.CancelFunc) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	return timeoutCtx, func() {
		elapsed := time.Since(start)
		cancel()
		if elapsed > 100*time.Millisecond {
			log.Warn().
				Str("operation", operation).
				Dur("elapsed", elapsed).
				Dur("timeout", timeout).
				Msg("Slow database operation")
		}
	}
}
