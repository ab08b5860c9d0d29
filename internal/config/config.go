// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree, assembled once at startup and
// passed down to each component.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Sync      SyncConfig
	Search    SearchConfig
	Cache     CacheConfig
	Features  FeatureFlags
	CORS      CORSConfig
	RateLimit RateLimitConfig
}

type AppConfig struct {
	Name     string
	Version  string
	Port     int
	LogLevel string
	Debug    bool
}

type DatabaseConfig struct {
	URL         string
	PoolSize    int
	PoolTimeout time.Duration
}

type EmbeddingConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	BatchSize  int
	// Provider-side admission control (sliding window).
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

type SyncConfig struct {
	BatchSize  int
	MaxWorkers int
}

type SearchConfig struct {
	VectorSearchLimit int
	MinSimilarity     float64
}

type CacheConfig struct {
	MaxSize     int
	PreloadSize int
	CleanupDays int
}

type FeatureFlags struct {
	Streaming          bool
	RealtimeSync       bool
	Cache              bool
	QueryDecomposition bool
	HybridSearch       bool
	Metrics            bool
}

type CORSConfig struct {
	Origins          []string
	AllowCredentials bool
	Methods          []string
	Headers          []string
}

type RateLimitConfig struct {
	Enabled   bool
	PerMinute int
}

// Load reads configuration from the environment with sensible defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_NAME", "atabot")
	v.SetDefault("APP_VERSION", "dev")
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEBUG", false)

	v.SetDefault("DATABASE_POOL_SIZE", 20)
	v.SetDefault("DATABASE_POOL_TIMEOUT", 30)

	v.SetDefault("VOYAGE_BASE_URL", "https://api.voyageai.com/v1")
	v.SetDefault("VOYAGE_MODEL", "voyage-3.5-lite")
	v.SetDefault("EMBEDDING_DIMENSIONS", 1024)
	v.SetDefault("EMBEDDING_BATCH_SIZE", 120)
	v.SetDefault("VOYAGE_RATE_LIMIT_REQUESTS", 3)
	v.SetDefault("VOYAGE_RATE_LIMIT_WINDOW", 60)

	v.SetDefault("LLM_BASE_URL", "https://api.poe.com/v1")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_MAX_TOKENS", 1024)
	v.SetDefault("LLM_TEMPERATURE", 0.2)
	v.SetDefault("LLM_TIMEOUT", 60)

	v.SetDefault("SYNC_BATCH_SIZE", 100)
	v.SetDefault("SYNC_MAX_WORKERS", 3)

	v.SetDefault("VECTOR_SEARCH_LIMIT", 10)
	v.SetDefault("MIN_SIMILARITY", 0.5)

	v.SetDefault("CACHE_MAX_SIZE", 1000)
	v.SetDefault("CACHE_PRELOAD_SIZE", 500)
	v.SetDefault("CACHE_CLEANUP_DAYS", 30)

	v.SetDefault("ENABLE_STREAMING", true)
	v.SetDefault("ENABLE_REALTIME_SYNC", false)
	v.SetDefault("ENABLE_CACHE", true)
	v.SetDefault("ENABLE_QUERY_DECOMPOSITION", true)
	v.SetDefault("ENABLE_HYBRID_SEARCH", true)
	v.SetDefault("ENABLE_METRICS", true)

	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("CORS_ALLOW_CREDENTIALS", true)
	v.SetDefault("CORS_ALLOW_METHODS", "GET,POST,DELETE,OPTIONS")
	v.SetDefault("CORS_ALLOW_HEADERS", "Accept,Authorization,Content-Type")

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)

	cfg := &Config{
		App: AppConfig{
			Name:     v.GetString("APP_NAME"),
			Version:  v.GetString("APP_VERSION"),
			Port:     v.GetInt("PORT"),
			LogLevel: v.GetString("LOG_LEVEL"),
			Debug:    v.GetBool("DEBUG"),
		},
		Database: DatabaseConfig{
			URL:         v.GetString("DATABASE_URL"),
			PoolSize:    v.GetInt("DATABASE_POOL_SIZE"),
			PoolTimeout: time.Duration(v.GetInt("DATABASE_POOL_TIMEOUT")) * time.Second,
		},
		Embedding: EmbeddingConfig{
			APIKey:            v.GetString("VOYAGE_API_KEY"),
			BaseURL:           v.GetString("VOYAGE_BASE_URL"),
			Model:             v.GetString("VOYAGE_MODEL"),
			Dimensions:        v.GetInt("EMBEDDING_DIMENSIONS"),
			BatchSize:         v.GetInt("EMBEDDING_BATCH_SIZE"),
			RateLimitRequests: v.GetInt("VOYAGE_RATE_LIMIT_REQUESTS"),
			RateLimitWindow:   time.Duration(v.GetInt("VOYAGE_RATE_LIMIT_WINDOW")) * time.Second,
		},
		LLM: LLMConfig{
			APIKey:      v.GetString("POE_API_KEY"),
			BaseURL:     v.GetString("LLM_BASE_URL"),
			Model:       v.GetString("LLM_MODEL"),
			MaxTokens:   v.GetInt("LLM_MAX_TOKENS"),
			Temperature: v.GetFloat64("LLM_TEMPERATURE"),
			Timeout:     time.Duration(v.GetInt("LLM_TIMEOUT")) * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:  v.GetInt("SYNC_BATCH_SIZE"),
			MaxWorkers: v.GetInt("SYNC_MAX_WORKERS"),
		},
		Search: SearchConfig{
			VectorSearchLimit: v.GetInt("VECTOR_SEARCH_LIMIT"),
			MinSimilarity:     v.GetFloat64("MIN_SIMILARITY"),
		},
		Cache: CacheConfig{
			MaxSize:     v.GetInt("CACHE_MAX_SIZE"),
			PreloadSize: v.GetInt("CACHE_PRELOAD_SIZE"),
			CleanupDays: v.GetInt("CACHE_CLEANUP_DAYS"),
		},
		Features: FeatureFlags{
			Streaming:          v.GetBool("ENABLE_STREAMING"),
			RealtimeSync:       v.GetBool("ENABLE_REALTIME_SYNC"),
			Cache:              v.GetBool("ENABLE_CACHE"),
			QueryDecomposition: v.GetBool("ENABLE_QUERY_DECOMPOSITION"),
			HybridSearch:       v.GetBool("ENABLE_HYBRID_SEARCH"),
			Metrics:            v.GetBool("ENABLE_METRICS"),
		},
		CORS: CORSConfig{
			Origins:          splitList(v.GetString("CORS_ORIGINS")),
			AllowCredentials: v.GetBool("CORS_ALLOW_CREDENTIALS"),
			Methods:          splitList(v.GetString("CORS_ALLOW_METHODS")),
			Headers:          splitList(v.GetString("CORS_ALLOW_HEADERS")),
		},
		RateLimit: RateLimitConfig{
			Enabled:   v.GetBool("RATE_LIMIT_ENABLED"),
			PerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings a running service cannot do without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.BatchSize <= 0 || c.Embedding.BatchSize > 120 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be in 1..120, got %d", c.Embedding.BatchSize)
	}
	if c.Search.MinSimilarity < 0 || c.Search.MinSimilarity > 1 {
		return fmt.Errorf("MIN_SIMILARITY must be in 0..1, got %f", c.Search.MinSimilarity)
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
