// Command server runs the adaptive database QA service: it syncs source
// tables into the vector store and answers natural-language questions over
// HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atamadata/atabot/internal/chat"
	"github.com/atamadata/atabot/internal/config"
	"github.com/atamadata/atabot/internal/db"
	"github.com/atamadata/atabot/internal/embedding"
	"github.com/atamadata/atabot/internal/guard"
	"github.com/atamadata/atabot/internal/llm"
	"github.com/atamadata/atabot/internal/schema"
	"github.com/atamadata/atabot/internal/search"
	"github.com/atamadata/atabot/internal/server"
	syncpkg "github.com/atamadata/atabot/internal/sync"
	"github.com/atamadata/atabot/internal/vector/pgvector"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}
	setupLogging(cfg)

	log.Info().
		Str("version", cfg.App.Version).
		Int("port", cfg.App.Port).
		Msg("Starting atabot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Service failed")
	}
	log.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := db.NewStore(db.Config{
		DSN:         cfg.Database.URL,
		MaxConns:    cfg.Database.PoolSize,
		PoolTimeout: cfg.Database.PoolTimeout,
		Dimensions:  cfg.Embedding.Dimensions,
		LogLevel:    db.ParseLogLevel(cfg.App.LogLevel),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	intro := db.NewIntrospector(store)

	vectors, err := pgvector.NewClient(pgvector.Config{
		DB:         store.GetDB(),
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return err
	}

	provider, err := embedding.NewVoyageClient(embedding.VoyageConfig{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return err
	}

	var cache *embedding.Cache
	if cfg.Features.Cache {
		cache = embedding.NewCache(cfg.Cache.MaxSize, store.GetDB())
		if n, err := cache.Preload(ctx, cfg.Cache.PreloadSize); err != nil {
			log.Warn().Err(err).Msg("Cache preload failed")
		} else {
			log.Info().Int("entries", n).Msg("Cache preloaded")
		}
		cache.StartMaintenance(ctx, cfg.Cache.CleanupDays)
	} else {
		cache = embedding.NewCache(cfg.Cache.MaxSize, nil)
	}

	limiter := embedding.NewRateLimiter(cfg.Embedding.RateLimitRequests, cfg.Embedding.RateLimitWindow)
	queue, err := embedding.NewQueue(embedding.QueueConfig{
		Provider:       provider,
		Cache:          cache,
		Limiter:        limiter,
		SuperBatchSize: cfg.Embedding.BatchSize,
	})
	if err != nil {
		return err
	}
	defer queue.Stop()

	registry := schema.NewRegistry(store, intro)
	statusStore := syncpkg.NewStatusStore(store)

	pipeline, err := syncpkg.NewPipeline(syncpkg.Config{
		Source:     intro,
		Embedder:   queue,
		Vectors:    vectors,
		Registrar:  registry,
		Status:     statusStore,
		BatchSize:  cfg.Sync.BatchSize,
		MaxWorkers: cfg.Sync.MaxWorkers,
	})
	if err != nil {
		return err
	}

	if cfg.Features.RealtimeSync {
		syncpkg.NewRealtime(cfg.Database.URL, pipeline).Start(ctx)
	}

	var llmSvc *llm.Service
	if cfg.LLM.APIKey != "" {
		client, err := llm.NewClient(llm.ClientConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		})
		if err != nil {
			return err
		}
		llmSvc = llm.NewService(client)
	} else {
		log.Warn().Msg("No LLM API key; SQL generation and prose answers are disabled")
	}

	searchSvc, err := search.NewService(vectors, queue)
	if err != nil {
		return err
	}

	sessions := chat.NewSessionManager()
	sessions.StartSweeper(ctx.Done())

	orchestrator, err := chat.New(chat.Config{
		TopK:                cfg.Search.VectorSearchLimit,
		MinSimilarity:       cfg.Search.MinSimilarity,
		EnableDecomposition: cfg.Features.QueryDecomposition,
		EnableHybridSearch:  cfg.Features.HybridSearch,
	}, sessions, guard.New(), registry, searchSvc, llmSvc, intro, store)
	if err != nil {
		return err
	}

	svc, err := server.NewService(cfg, server.Deps{
		Store:        store,
		Introspector: intro,
		Registry:     registry,
		Orchestrator: orchestrator,
		Pipeline:     pipeline,
		Status:       statusStore,
		Queue:        queue,
		Cache:        cache,
	})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.App.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
