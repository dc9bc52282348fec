package cluster

import (
	"context"

	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// Density grows clusters by similarity reachability. A point is a core point
// when at least MinNeighbors other points are within Threshold; clusters are
// the reachability closure of core points, and everything else stays
// unclustered.
type Density struct {
	Threshold    float64
	MinNeighbors int
}

func (d *Density) Algorithm() models.Algorithm { return models.AlgorithmDensity }

func (d *Density) Partition(ctx context.Context, m *Matrix) ([][]int, error) {
	n := m.Len()
	neighbors := make([][]int, n)
	for i := 0; i < n; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for j := 0; j < n; j++ {
			if j != i && m.Similarity(i, j) >= d.Threshold {
				neighbors[i] = append(neighbors[i], j)
			}
		}
	}

	core := func(i int) bool { return len(neighbors[i]) >= d.MinNeighbors }

	label := make([]int, n)
	for i := range label {
		label[i] = -1
	}

	var groups [][]int
	for i := 0; i < n; i++ {
		if label[i] >= 0 || !core(i) {
			continue
		}
		c := len(groups)
		label[i] = c
		members := []int{i}
		queue := []int{i}
		for len(queue) > 0 {
			q := queue[0]
			queue = queue[1:]
			for _, r := range neighbors[q] {
				if label[r] >= 0 {
					continue
				}
				label[r] = c
				members = append(members, r)
				if core(r) {
					queue = append(queue, r)
				}
			}
		}
		groups = append(groups, members)
	}
	return groups, nil
}
