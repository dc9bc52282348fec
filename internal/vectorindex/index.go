// Package vectorindex mirrors finding embeddings into a vector database so
// that nearest neighbours of a finding can be looked up without recomputing
// a pairwise matrix.
package vectorindex

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// Point is one finding's vector with the fields stored alongside it.
type Point struct {
	Finding *models.Finding
	Vector  []float32
}

// Match is a neighbour returned by Similar. Score is the cosine similarity.
type Match struct {
	FindingID uuid.UUID `json:"finding_id"`
	Score     float64   `json:"score"`
}

// Index is a vector store scoped by branch.
type Index interface {
	Upsert(ctx context.Context, points []Point) error
	// Similar returns up to limit findings of the same branch closest to
	// vector, excluding the finding with ID exclude.
	Similar(ctx context.Context, scope models.Scope, vector []float32, exclude uuid.UUID, limit int) ([]Match, error)
}
