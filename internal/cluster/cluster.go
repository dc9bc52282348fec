// Package cluster groups embedded findings by cosine similarity.
//
// Results are a pure function of the input points and parameters: points are
// ordered by finding ID before any computation, every tie is broken by that
// order, and parallel work only ever writes to disjoint rows.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

var (
	// ErrSizeExceeded is returned when a scope holds more points than the
	// engine is allowed to compare pairwise. Input is never truncated.
	ErrSizeExceeded = errors.New("scope too large for pairwise clustering")
	// ErrInvariant reports malformed input or an internal inconsistency.
	ErrInvariant = errors.New("clustering invariant violated")
	// ErrInvalidParams is returned for unusable clustering parameters.
	ErrInvalidParams = errors.New("invalid clustering parameters")
)

// Point is one embedded finding.
type Point struct {
	ID          uuid.UUID
	Vector      []float32
	FirstSeenAt time.Time
}

// Member is a point's place in a group.
type Member struct {
	Index              int
	ID                 uuid.UUID
	DistanceToCentroid float64
}

// Group is one cluster with its quality metrics.
type Group struct {
	Members               []Member
	Representative        uuid.UUID
	Centroid              []float32
	Cohesion              float64
	Silhouette            *float64
	AvgDistanceToCentroid float64
	MinSimilarity         float64
	MaxSimilarity         float64
}

// Size returns the member count.
func (g *Group) Size() int { return len(g.Members) }

// Member returns the membership of id, if present.
func (g *Group) Member(id uuid.UUID) (Member, bool) {
	for _, m := range g.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Result is the outcome of one clustering pass.
type Result struct {
	Matrix      *Matrix
	Groups      []Group
	Unclustered []uuid.UUID
	Silhouette  *float64
}

// Strategy partitions the points of a matrix into groups of indexes.
// Groups of fewer than two points are discarded by the engine.
type Strategy interface {
	Algorithm() models.Algorithm
	Partition(ctx context.Context, m *Matrix) ([][]int, error)
}

// NewStrategy returns the strategy named in params.
func NewStrategy(params models.ClusterParams) (Strategy, error) {
	if params.SimilarityThreshold <= 0 || params.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("%w: similarity threshold %v outside (0, 1]", ErrInvalidParams, params.SimilarityThreshold)
	}
	switch params.Algorithm {
	case models.AlgorithmDensity:
		minNeighbors := params.MinNeighbors
		if minNeighbors < 1 {
			minNeighbors = 1
		}
		return &Density{Threshold: params.SimilarityThreshold, MinNeighbors: minNeighbors}, nil
	case models.AlgorithmHierarchical:
		if params.TargetClusters < 0 {
			return nil, fmt.Errorf("%w: target clusters %d is negative", ErrInvalidParams, params.TargetClusters)
		}
		return &Hierarchical{Threshold: params.SimilarityThreshold, TargetClusters: params.TargetClusters}, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidParams, params.Algorithm)
	}
}

// Engine runs clustering with a scope size ceiling.
type Engine struct {
	maxSize int
	workers int
}

// NewEngine creates an Engine. maxSize <= 0 disables the ceiling;
// workers <= 0 uses GOMAXPROCS.
func NewEngine(maxSize, workers int) *Engine {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{maxSize: maxSize, workers: workers}
}

// Run clusters points with the strategy selected by params.
func (e *Engine) Run(ctx context.Context, points []Point, params models.ClusterParams) (*Result, error) {
	if e.maxSize > 0 && len(points) > e.maxSize {
		return nil, fmt.Errorf("%w: %d findings, limit %d", ErrSizeExceeded, len(points), e.maxSize)
	}
	strategy, err := NewStrategy(params)
	if err != nil {
		return nil, err
	}

	m, err := NewMatrix(ctx, points, e.workers)
	if err != nil {
		return nil, err
	}

	parts, err := strategy.Partition(ctx, m)
	if err != nil {
		return nil, err
	}

	var assignments []Assignment
	for _, p := range parts {
		if len(p) >= 2 {
			assignments = append(assignments, Assignment{Members: p, Representative: uuid.Nil})
		}
	}
	return Describe(m, assignments)
}

// Assignment is a group expressed as matrix indexes. A non-nil
// Representative pins the representative instead of choosing it.
type Assignment struct {
	Members        []int
	Representative uuid.UUID
}

// Describe computes metrics for each assignment and collects the points
// left out of every group. Groups are ordered by their lowest member index.
func Describe(m *Matrix, assignments []Assignment) (*Result, error) {
	res := &Result{Matrix: m}
	owner := make([]int, m.Len())
	for i := range owner {
		owner[i] = -1
	}

	sorted := make([]Assignment, 0, len(assignments))
	for _, a := range assignments {
		if len(a.Members) < 2 {
			continue
		}
		members := append([]int(nil), a.Members...)
		sort.Ints(members)
		sorted = append(sorted, Assignment{Members: members, Representative: a.Representative})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Members[0] < sorted[j].Members[0] })

	for gi, a := range sorted {
		for _, idx := range a.Members {
			if idx < 0 || idx >= m.Len() {
				return nil, fmt.Errorf("%w: member index %d out of range", ErrInvariant, idx)
			}
			if owner[idx] >= 0 {
				return nil, fmt.Errorf("%w: finding %s assigned to two clusters", ErrInvariant, m.ID(idx))
			}
			owner[idx] = gi
		}
		g, err := describeGroup(m, a)
		if err != nil {
			return nil, err
		}
		res.Groups = append(res.Groups, g)
	}

	for i, o := range owner {
		if o < 0 {
			res.Unclustered = append(res.Unclustered, m.ID(i))
		}
	}

	if len(res.Groups) > 1 {
		res.Silhouette = silhouette(m, res.Groups, owner)
	}
	return res, nil
}
