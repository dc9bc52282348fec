package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kiranshivaraju/findingdedup/internal/cache"
	"github.com/kiranshivaraju/findingdedup/internal/config"
	"github.com/kiranshivaraju/findingdedup/internal/confirm"
	"github.com/kiranshivaraju/findingdedup/internal/dedup"
	"github.com/kiranshivaraju/findingdedup/internal/embedding"
	"github.com/kiranshivaraju/findingdedup/internal/pipeline"
	"github.com/kiranshivaraju/findingdedup/internal/retry"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/kiranshivaraju/findingdedup/internal/vectorindex"
)

// backend is the storage the CLI talks to: Postgres and Redis from the
// environment, or everything in memory for dry runs.
type backend struct {
	cfg    *config.Config
	store  store.Store
	cache  cache.Cache
	index  vectorindex.Index
	closes []func()
}

func openBackend(ctx context.Context, memory bool) (*backend, error) {
	if memory {
		// Dry runs always embed offline.
		if err := os.Setenv("EMBEDDING_PROVIDER", "hashing"); err != nil {
			return nil, err
		}
		cfg, err := config.LoadOffline()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return &backend{
			cfg:   cfg,
			store: store.NewMemoryStore(),
			cache: cache.NewMemoryCache(),
			index: vectorindex.NewMemoryIndex(),
		}, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	b := &backend{cfg: cfg}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	b.closes = append(b.closes, pool.Close)
	b.store = store.NewPostgresStore(pool)

	rc, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	b.closes = append(b.closes, func() { _ = rc.Close() })
	b.cache = rc

	if cfg.Qdrant.Addr != "" {
		q, err := vectorindex.NewQdrantIndex(cfg.Qdrant)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect qdrant: %w", err)
		}
		b.closes = append(b.closes, func() { _ = q.Close() })
		b.index = q
	}
	return b, nil
}

func (b *backend) Close() {
	for i := len(b.closes) - 1; i >= 0; i-- {
		b.closes[i]()
	}
}

func (b *backend) orchestrator() (*pipeline.Orchestrator, error) {
	provider, err := embedding.NewProvider(b.cfg.Embedding)
	if err != nil {
		return nil, err
	}
	reasoner, err := confirm.NewReasoner(b.cfg.Confirm)
	if err != nil {
		return nil, err
	}
	policy, err := dedup.ParseResolvedPolicy(b.cfg.Dedup.ResolvedPolicy)
	if err != nil {
		return nil, err
	}

	ec := b.cfg.Embedding
	adapter := embedding.NewAdapter(provider, b.cache, embedding.Options{
		BatchSize:   ec.BatchSize,
		Concurrency: ec.Concurrency,
		RatePerSec:  ec.RatePerSec,
		SnippetMax:  ec.SnippetMax,
		CacheTTL:    ec.CacheTTL,
		Retry:       retryConfig(ec.MaxAttempts),
	})
	svc := confirm.NewService(reasoner, confirm.Options{
		HighConfidence: b.cfg.Dedup.HighConfidence,
		MaxMembers:     b.cfg.Dedup.ConfirmMaxMembers,
		Concurrency:    b.cfg.Confirm.Concurrency,
		Retry:          retryConfig(b.cfg.Confirm.MaxAttempts),
	})

	opts := []pipeline.Option{pipeline.WithCache(b.cache)}
	if b.index != nil {
		opts = append(opts, pipeline.WithVectorIndex(b.index))
	}
	return pipeline.New(b.store, dedup.New(b.store, policy), adapter, svc, pipeline.OptionsFromConfig(b.cfg.Dedup), opts...), nil
}

func retryConfig(attempts int) retry.Config {
	rc := retry.DefaultConfig()
	if attempts > 0 {
		rc.MaxAttempts = attempts
	}
	return rc
}
