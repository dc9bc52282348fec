// Package models contains shared data models used across the deduplication engine.
package models

import (
	"context"
	"errors"
)

// Provider errors shared by every embedding and reasoning integration.
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRejected    = errors.New("provider rejected request")
	ErrInvalidResponse     = errors.New("provider returned invalid response")
)

// EmbeddingProvider turns texts into fixed-length vectors.
// Never call a specific provider directly; inject this interface.
type EmbeddingProvider interface {
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Model returns the embedding model identifier; vectors from different
	// models are never mixed.
	Model() string
	// Name returns the provider identifier (e.g., "openai", "ollama").
	Name() string
}

// ConfirmRequest asks whether Candidate describes the same issue as Representative.
type ConfirmRequest struct {
	Representative Finding
	Candidate      Finding
	Similarity     float64
}

// Reasoner is the external reasoning model used to confirm ambiguous clusters.
type Reasoner interface {
	Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
	Name() string
}
