package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// MemoryIndex is a brute-force Index for tests and offline runs.
type MemoryIndex struct {
	mu     sync.Mutex
	points map[uuid.UUID]Point
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[uuid.UUID]Point)}
}

func (m *MemoryIndex) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		f := *p.Finding
		m.points[f.ID] = Point{Finding: &f, Vector: append([]float32(nil), p.Vector...)}
	}
	return nil
}

// Len returns the number of stored points.
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

func (m *MemoryIndex) Similar(_ context.Context, scope models.Scope, vector []float32, exclude uuid.UUID, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Match
	for id, p := range m.points {
		if id == exclude || p.Finding.OrganizationID != scope.OrganizationID || p.Finding.BranchID != scope.BranchID {
			continue
		}
		if len(p.Vector) != len(vector) {
			continue
		}
		out = append(out, Match{FindingID: id, Score: cosine(vector, p.Vector)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].FindingID.String() < out[j].FindingID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ Index = (*MemoryIndex)(nil)
