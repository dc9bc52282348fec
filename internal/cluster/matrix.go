package cluster

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Matrix holds unit-normalized vectors and the packed upper triangle of
// their pairwise cosine similarities.
type Matrix struct {
	points []Point
	unit   [][]float64
	sim    []float64
	n      int
}

// NewMatrix sorts points by ID, validates them, and computes all pairwise
// similarities using up to workers goroutines. Cancellation is checked
// between rows.
func NewMatrix(ctx context.Context, points []Point, workers int) (*Matrix, error) {
	pts := append([]Point(nil), points...)
	sort.Slice(pts, func(i, j int) bool { return pts[i].ID.String() < pts[j].ID.String() })

	n := len(pts)
	m := &Matrix{points: pts, n: n, unit: make([][]float64, n)}
	if n == 0 {
		return m, nil
	}

	dim := len(pts[0].Vector)
	for i, p := range pts {
		if i > 0 && p.ID == pts[i-1].ID {
			return nil, fmt.Errorf("%w: duplicate finding %s", ErrInvariant, p.ID)
		}
		if len(p.Vector) == 0 {
			return nil, fmt.Errorf("%w: finding %s has an empty embedding", ErrInvariant, p.ID)
		}
		if len(p.Vector) != dim {
			return nil, fmt.Errorf("%w: finding %s has dimension %d, expected %d", ErrInvariant, p.ID, len(p.Vector), dim)
		}
		u, err := normalize(p.Vector)
		if err != nil {
			return nil, fmt.Errorf("%w: finding %s: %v", ErrInvariant, p.ID, err)
		}
		m.unit[i] = u
	}

	m.sim = make([]float64, n*(n-1)/2)
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n-1; i++ {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row := m.sim[m.offset(i, i+1) : m.offset(i, i+1)+n-i-1]
			a := m.unit[i]
			for j := i + 1; j < n; j++ {
				row[j-i-1] = clamp(dot(a, m.unit[j]))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("computing similarity matrix: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("computing similarity matrix: %w", err)
	}
	return m, nil
}

// Len returns the number of points.
func (m *Matrix) Len() int { return m.n }

// ID returns the finding ID at index i.
func (m *Matrix) ID(i int) uuid.UUID { return m.points[i].ID }

// Point returns the point at index i.
func (m *Matrix) Point(i int) Point { return m.points[i] }

// Index returns the matrix index of a finding ID.
func (m *Matrix) Index(id uuid.UUID) (int, bool) {
	key := id.String()
	i := sort.Search(m.n, func(i int) bool { return m.points[i].ID.String() >= key })
	if i < m.n && m.points[i].ID == id {
		return i, true
	}
	return 0, false
}

// Similarity returns the cosine similarity of points i and j.
func (m *Matrix) Similarity(i, j int) float64 {
	if i == j {
		return 1
	}
	if i > j {
		i, j = j, i
	}
	return m.sim[m.offset(i, j)]
}

// Distance returns the cosine distance (1 - similarity) of points i and j.
func (m *Matrix) Distance(i, j int) float64 {
	return 1 - m.Similarity(i, j)
}

// offset maps i < j to the packed upper-triangle position.
func (m *Matrix) offset(i, j int) int {
	return i*m.n - i*(i+1)/2 + (j - i - 1)
}

func normalize(v []float32) ([]float64, error) {
	var sum float64
	out := make([]float64, len(v))
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite component at %d", i)
		}
		out[i] = f
		sum += f * f
	}
	if sum == 0 {
		return nil, fmt.Errorf("zero-norm embedding")
	}
	norm := math.Sqrt(sum)
	for i := range out {
		out[i] /= norm
	}
	return out, nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func clamp(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
