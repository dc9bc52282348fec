// Package main is the entrypoint for the finding dedup API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/findingdedup/internal/api"
	"github.com/kiranshivaraju/findingdedup/internal/api/handler"
	mw "github.com/kiranshivaraju/findingdedup/internal/api/middleware"
	"github.com/kiranshivaraju/findingdedup/internal/cache"
	"github.com/kiranshivaraju/findingdedup/internal/config"
	"github.com/kiranshivaraju/findingdedup/internal/confirm"
	"github.com/kiranshivaraju/findingdedup/internal/dedup"
	"github.com/kiranshivaraju/findingdedup/internal/embedding"
	"github.com/kiranshivaraju/findingdedup/internal/pipeline"
	"github.com/kiranshivaraju/findingdedup/internal/retry"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/kiranshivaraju/findingdedup/internal/vectorindex"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment wins over the file.
	_ = godotenv.Load()

	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"embedding_provider", cfg.Embedding.Provider,
		"confirm_provider", cfg.Confirm.Provider,
		"algorithm", cfg.Dedup.Params.Algorithm,
		"env", cfg.Server.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create embedding and reasoning providers
	embedder, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("create embedding provider: %w", err)
	}
	reasoner, err := confirm.NewReasoner(cfg.Confirm)
	if err != nil {
		return fmt.Errorf("create confirm provider: %w", err)
	}
	slog.Info("providers initialized", "embedding_model", embedder.Model(), "confirmation", reasoner != nil)

	// 6. Optional vector mirror
	pgStore := store.NewPostgresStore(pool)
	pipelineOpts := []pipeline.Option{pipeline.WithCache(redisCache)}
	var index vectorindex.Index
	if cfg.Qdrant.Addr != "" {
		q, err := vectorindex.NewQdrantIndex(cfg.Qdrant)
		if err != nil {
			return fmt.Errorf("connect qdrant: %w", err)
		}
		defer q.Close()
		index = q
		pipelineOpts = append(pipelineOpts, pipeline.WithVectorIndex(q))
		slog.Info("vector mirror enabled", "addr", cfg.Qdrant.Addr, "collection", cfg.Qdrant.Collection)
	}

	// 7. Assemble the pipeline
	orch, err := newOrchestrator(cfg, pgStore, embedding.NewAdapter(embedder, redisCache, adapterOptions(cfg.Embedding)), reasoner, pipelineOpts...)
	if err != nil {
		return err
	}

	// 8. Build router with dependencies
	runs := handler.NewRunHandler(orch, pgStore, redisCache, cfg.Dedup.Params)
	clusters := handler.NewClusterHandler(pgStore)
	similar := handler.NewSimilarHandler(pgStore, index, embedder.Model())
	keys := handler.NewKeyHandler(pgStore)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		TriggerRun: runs.Trigger,
		GetRun:     runs.Get,
		ListRuns:   runs.ListByBranch,

		ListClusters: clusters.ListByBranch,
		GetCluster:   clusters.Get,

		SimilarFindings: similar.List,

		CreateKeyHandler: keys.Create,
		ListKeysHandler:  keys.List,
		RevokeKeyHandler: keys.Revoke,
	})

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := waitForRuns(shutdownCtx, orch); err != nil {
		slog.Warn("dedup runs still in flight at shutdown; their branch locks go stale", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

func newOrchestrator(cfg *config.Config, st store.Store, adapter *embedding.Adapter, reasoner models.Reasoner, opts ...pipeline.Option) (*pipeline.Orchestrator, error) {
	policy, err := dedup.ParseResolvedPolicy(cfg.Dedup.ResolvedPolicy)
	if err != nil {
		return nil, fmt.Errorf("resolved policy: %w", err)
	}
	svc := confirm.NewService(reasoner, confirm.Options{
		HighConfidence: cfg.Dedup.HighConfidence,
		MaxMembers:     cfg.Dedup.ConfirmMaxMembers,
		Concurrency:    cfg.Confirm.Concurrency,
		Retry:          retryConfig(cfg.Confirm.MaxAttempts, cfg.Confirm.Timeout),
	})
	return pipeline.New(st, dedup.New(st, policy), adapter, svc, pipeline.OptionsFromConfig(cfg.Dedup), opts...), nil
}

func adapterOptions(cfg config.EmbeddingConfig) embedding.Options {
	return embedding.Options{
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		RatePerSec:  cfg.RatePerSec,
		SnippetMax:  cfg.SnippetMax,
		CacheTTL:    cfg.CacheTTL,
		Retry:       retryConfig(cfg.MaxAttempts, cfg.Timeout),
	}
}

func retryConfig(attempts int, timeout time.Duration) retry.Config {
	rc := retry.DefaultConfig()
	if attempts > 0 {
		rc.MaxAttempts = attempts
	}
	if timeout > 0 {
		rc.Timeout = timeout
	}
	return rc
}

// waitForRuns blocks until background runs finish or ctx expires.
func waitForRuns(ctx context.Context, orch *pipeline.Orchestrator) error {
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
