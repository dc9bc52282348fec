package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the finding dedup service.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Qdrant    QdrantConfig
	Embedding EmbeddingConfig
	Confirm   ConfirmConfig
	Dedup     DedupConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// StatementTimeout is applied per session; zero leaves the server default.
	StatementTimeout time.Duration
	ConnectAttempts  int
}

type RedisConfig struct {
	URL string
}

// QdrantConfig configures the optional vector mirror. An empty Addr
// disables it.
type QdrantConfig struct {
	Addr       string
	APIKey     string
	UseTLS     bool
	Collection string
}

type EmbeddingConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Dimensions  int
	BatchSize   int
	Concurrency int
	RatePerSec  float64
	MaxAttempts int
	Timeout     time.Duration
	SnippetMax  int
	CacheTTL    time.Duration
}

type ConfirmConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	Concurrency int
}

// DedupConfig holds the tuning parameters. Every field can be overridden
// by the YAML file named in DEDUP_CONFIG_FILE.
type DedupConfig struct {
	Params            models.ClusterParams `yaml:",inline"`
	MaxScopeSize      int                  `yaml:"max_scope_size"`
	HighConfidence    float64              `yaml:"high_confidence"`
	ConfirmMaxMembers int                  `yaml:"confirm_max_members"`
	RunTimeout        time.Duration        `yaml:"run_timeout"`
	LockStaleAfter    time.Duration        `yaml:"lock_stale_after"`
	ResolvedPolicy    string               `yaml:"resolved_policy"`
	Workers           int                  `yaml:"workers"`
}

var validEmbeddingProviders = map[string]bool{
	"openai":  true,
	"ollama":  true,
	"vllm":    true,
	"hashing": true,
}

var validConfirmProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"ollama":    true,
	"vllm":      true,
	"none":      true,
}

var validResolvedPolicies = map[string]bool{
	"new_row": true,
	"revive":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	return load(true)
}

// LoadOffline is Load without the database and cache requirements, for
// runs against the in-memory store.
func LoadOffline() (*Config, error) {
	return load(false)
}

func load(requireInfra bool) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("DEDUP_PORT", 8080),
			Env:                envString("DEDUP_ENV", "development"),
			RateLimitPerMinute: envInt("DEDUP_RATE_LIMIT_PER_MINUTE", 120),
		},
		Database: DatabaseConfig{
			URL:              os.Getenv("DATABASE_URL"),
			MaxOpenConns:     envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			StatementTimeout: envDuration("DATABASE_STATEMENT_TIMEOUT", 30*time.Second),
			ConnectAttempts:  envInt("DATABASE_CONNECT_ATTEMPTS", 3),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Qdrant: QdrantConfig{
			Addr:       os.Getenv("QDRANT_ADDR"),
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     envBool("QDRANT_USE_TLS", false),
			Collection: envString("QDRANT_COLLECTION", "findings"),
		},
		Embedding: EmbeddingConfig{
			Provider:    envString("EMBEDDING_PROVIDER", "openai"),
			Model:       envString("EMBEDDING_MODEL", "text-embedding-3-small"),
			BaseURL:     os.Getenv("EMBEDDING_BASE_URL"),
			APIKey:      envString("EMBEDDING_API_KEY", os.Getenv("OPENAI_API_KEY")),
			Dimensions:  envInt("EMBEDDING_DIMENSIONS", 0),
			BatchSize:   envInt("EMBEDDING_BATCH_SIZE", 100),
			Concurrency: envInt("EMBEDDING_CONCURRENCY", 4),
			RatePerSec:  envFloat("EMBEDDING_RATE_PER_SEC", 5),
			MaxAttempts: envInt("EMBEDDING_MAX_ATTEMPTS", 4),
			Timeout:     envDuration("EMBEDDING_TIMEOUT", 30*time.Second),
			SnippetMax:  envInt("EMBEDDING_SNIPPET_MAX", 500),
			CacheTTL:    envDuration("EMBEDDING_CACHE_TTL", 7*24*time.Hour),
		},
		Confirm: ConfirmConfig{
			Provider:    envString("CONFIRM_PROVIDER", "none"),
			Model:       os.Getenv("CONFIRM_MODEL"),
			BaseURL:     os.Getenv("CONFIRM_BASE_URL"),
			APIKey:      os.Getenv("CONFIRM_API_KEY"),
			Timeout:     envDuration("CONFIRM_TIMEOUT", 60*time.Second),
			MaxAttempts: envInt("CONFIRM_MAX_ATTEMPTS", 3),
			Concurrency: envInt("CONFIRM_CONCURRENCY", 3),
		},
		Dedup: DedupConfig{
			Params: models.ClusterParams{
				Algorithm:           models.Algorithm(envString("DEDUP_ALGORITHM", "density")),
				SimilarityThreshold: envFloat("DEDUP_SIMILARITY_THRESHOLD", 0.85),
				MinNeighbors:        envInt("DEDUP_MIN_NEIGHBORS", 1),
				TargetClusters:      envInt("DEDUP_TARGET_CLUSTERS", 0),
			},
			MaxScopeSize:      envInt("DEDUP_MAX_SCOPE_SIZE", 2000),
			HighConfidence:    envFloat("DEDUP_HIGH_CONFIDENCE", 0.95),
			ConfirmMaxMembers: envInt("DEDUP_CONFIRM_MAX_MEMBERS", 5),
			RunTimeout:        envDuration("DEDUP_RUN_TIMEOUT", 15*time.Minute),
			LockStaleAfter:    envDuration("DEDUP_LOCK_STALE_AFTER", 30*time.Minute),
			ResolvedPolicy:    envString("DEDUP_RESOLVED_POLICY", "new_row"),
			Workers:           envInt("DEDUP_WORKERS", 0),
		},
	}
	cfg.Confirm.APIKey = firstNonEmpty(cfg.Confirm.APIKey, defaultConfirmKey(cfg.Confirm.Provider))
	if cfg.Confirm.Model == "" {
		cfg.Confirm.Model = defaultConfirmModel(cfg.Confirm.Provider)
	}

	if path := os.Getenv("DEDUP_CONFIG_FILE"); path != "" {
		if err := cfg.Dedup.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(requireInfra); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile overlays tuning parameters from a YAML file. Keys absent from
// the file keep their current values.
func (d *DedupConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading DEDUP_CONFIG_FILE: %w", err)
	}
	if err := yaml.Unmarshal(data, d); err != nil {
		return fmt.Errorf("parsing DEDUP_CONFIG_FILE %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate(requireInfra bool) error {
	if requireInfra {
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	}

	if !validEmbeddingProviders[c.Embedding.Provider] {
		return fmt.Errorf("EMBEDDING_PROVIDER must be one of openai, ollama, vllm, hashing; got %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("EMBEDDING_API_KEY or OPENAI_API_KEY is required when EMBEDDING_PROVIDER is openai")
	}
	if (c.Embedding.Provider == "ollama" || c.Embedding.Provider == "vllm") && !isHTTPURL(c.Embedding.BaseURL) {
		return fmt.Errorf("EMBEDDING_BASE_URL must start with http:// or https:// for %s, got %q", c.Embedding.Provider, c.Embedding.BaseURL)
	}
	if c.Embedding.BatchSize < 1 || c.Embedding.BatchSize > 2048 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be between 1 and 2048, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.Concurrency < 1 {
		return fmt.Errorf("EMBEDDING_CONCURRENCY must be at least 1, got %d", c.Embedding.Concurrency)
	}
	if c.Embedding.MaxAttempts < 1 {
		return fmt.Errorf("EMBEDDING_MAX_ATTEMPTS must be at least 1, got %d", c.Embedding.MaxAttempts)
	}
	if c.Embedding.SnippetMax < 0 {
		return fmt.Errorf("EMBEDDING_SNIPPET_MAX must not be negative, got %d", c.Embedding.SnippetMax)
	}

	if !validConfirmProviders[c.Confirm.Provider] {
		return fmt.Errorf("CONFIRM_PROVIDER must be one of anthropic, openai, ollama, vllm, none; got %q", c.Confirm.Provider)
	}
	if (c.Confirm.Provider == "anthropic" || c.Confirm.Provider == "openai") && c.Confirm.APIKey == "" {
		return fmt.Errorf("CONFIRM_API_KEY is required when CONFIRM_PROVIDER is %s", c.Confirm.Provider)
	}
	if (c.Confirm.Provider == "ollama" || c.Confirm.Provider == "vllm") && !isHTTPURL(c.Confirm.BaseURL) {
		return fmt.Errorf("CONFIRM_BASE_URL must start with http:// or https:// for %s, got %q", c.Confirm.Provider, c.Confirm.BaseURL)
	}
	if c.Confirm.Concurrency < 1 {
		return fmt.Errorf("CONFIRM_CONCURRENCY must be at least 1, got %d", c.Confirm.Concurrency)
	}

	d := c.Dedup
	alg, ok := models.ParseAlgorithm(string(d.Params.Algorithm))
	if !ok {
		return fmt.Errorf("DEDUP_ALGORITHM must be density or hierarchical, got %q", d.Params.Algorithm)
	}
	c.Dedup.Params.Algorithm = alg
	if d.Params.SimilarityThreshold <= 0 || d.Params.SimilarityThreshold > 1 {
		return fmt.Errorf("DEDUP_SIMILARITY_THRESHOLD must be in (0, 1], got %v", d.Params.SimilarityThreshold)
	}
	if d.Params.MinNeighbors < 1 {
		return fmt.Errorf("DEDUP_MIN_NEIGHBORS must be at least 1, got %d", d.Params.MinNeighbors)
	}
	if d.Params.TargetClusters < 0 {
		return fmt.Errorf("DEDUP_TARGET_CLUSTERS must not be negative, got %d", d.Params.TargetClusters)
	}
	if d.MaxScopeSize < 2 {
		return fmt.Errorf("DEDUP_MAX_SCOPE_SIZE must be at least 2, got %d", d.MaxScopeSize)
	}
	if d.HighConfidence < d.Params.SimilarityThreshold || d.HighConfidence > 1 {
		return fmt.Errorf("DEDUP_HIGH_CONFIDENCE must be between the similarity threshold and 1, got %v", d.HighConfidence)
	}
	if d.ConfirmMaxMembers < 1 {
		return fmt.Errorf("DEDUP_CONFIRM_MAX_MEMBERS must be at least 1, got %d", d.ConfirmMaxMembers)
	}
	if d.RunTimeout <= 0 {
		return fmt.Errorf("DEDUP_RUN_TIMEOUT must be positive, got %v", d.RunTimeout)
	}
	// A lock that goes stale while its run can still be working would let
	// a second run take the branch.
	if d.LockStaleAfter != 0 && d.LockStaleAfter <= d.RunTimeout {
		return fmt.Errorf("DEDUP_LOCK_STALE_AFTER must be 0 or longer than DEDUP_RUN_TIMEOUT (%v), got %v", d.RunTimeout, d.LockStaleAfter)
	}
	if !validResolvedPolicies[d.ResolvedPolicy] {
		return fmt.Errorf("DEDUP_RESOLVED_POLICY must be new_row or revive, got %q", d.ResolvedPolicy)
	}

	return nil
}

func defaultConfirmKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}

func defaultConfirmModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5-20250929"
	case "openai":
		return "gpt-4o-mini"
	case "ollama":
		return "llama3"
	default:
		return ""
	}
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
