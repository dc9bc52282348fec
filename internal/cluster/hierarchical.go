package cluster

import (
	"context"
	"math"
	"sort"

	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// Hierarchical is average-linkage agglomerative clustering. The dendrogram is
// cut at TargetClusters when it is positive, otherwise at the cosine distance
// 1 - Threshold.
type Hierarchical struct {
	Threshold      float64
	TargetClusters int
}

// Merge joins the clusters holding points A and B at Distance.
type Merge struct {
	A, B     int
	Distance float64
}

func (h *Hierarchical) Algorithm() models.Algorithm { return models.AlgorithmHierarchical }

func (h *Hierarchical) Partition(ctx context.Context, m *Matrix) ([][]int, error) {
	n := m.Len()
	if n < 2 {
		return nil, nil
	}
	merges, err := Dendrogram(ctx, m)
	if err != nil {
		return nil, err
	}

	uf := newUnionFind(n)
	if h.TargetClusters > 0 {
		steps := n - h.TargetClusters
		for k := 0; k < steps && k < len(merges); k++ {
			uf.union(merges[k].A, merges[k].B)
		}
	} else {
		cut := 1 - h.Threshold
		for _, mg := range merges {
			if mg.Distance > cut {
				break
			}
			uf.union(mg.A, mg.B)
		}
	}
	return uf.groups(), nil
}

// Dendrogram returns the n-1 average-linkage merges ordered by distance.
// It uses the nearest-neighbour chain algorithm with Lance-Williams updates,
// preferring the previous chain element and then the lowest index on ties.
func Dendrogram(ctx context.Context, m *Matrix) ([]Merge, error) {
	n := m.Len()
	d := &linkage{n: n, dist: make([]float64, n*(n-1)/2)}
	for i := 0; i < n-1; i++ {
		for j := i + 1; j < n; j++ {
			d.dist[m.offset(i, j)] = m.Distance(i, j)
		}
	}

	active := make([]bool, n)
	size := make([]int, n)
	for i := range active {
		active[i] = true
		size[i] = 1
	}

	merges := make([]Merge, 0, n-1)
	chain := make([]int, 0, n)
	remaining := n
	for iter := 0; remaining > 1; iter++ {
		if iter%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(chain) == 0 {
			for i := 0; i < n; i++ {
				if active[i] {
					chain = append(chain, i)
					break
				}
			}
		}

		a := chain[len(chain)-1]
		prev := -1
		best, bestD := -1, math.Inf(1)
		if len(chain) >= 2 {
			prev = chain[len(chain)-2]
			best, bestD = prev, d.get(a, prev)
		}
		for k := 0; k < n; k++ {
			if !active[k] || k == a {
				continue
			}
			if dk := d.get(a, k); dk < bestD {
				best, bestD = k, dk
			}
		}

		if best != prev {
			chain = append(chain, best)
			continue
		}

		chain = chain[:len(chain)-2]
		lo, hi := a, prev
		if lo > hi {
			lo, hi = hi, lo
		}
		merges = append(merges, Merge{A: lo, B: hi, Distance: bestD})
		for k := 0; k < n; k++ {
			if !active[k] || k == lo || k == hi {
				continue
			}
			avg := (float64(size[lo])*d.get(lo, k) + float64(size[hi])*d.get(hi, k)) / float64(size[lo]+size[hi])
			d.set(lo, k, avg)
		}
		size[lo] += size[hi]
		active[hi] = false
		remaining--
	}

	sort.SliceStable(merges, func(i, j int) bool { return merges[i].Distance < merges[j].Distance })
	return merges, nil
}

type linkage struct {
	n    int
	dist []float64
}

func (l *linkage) idx(i, j int) int {
	if i > j {
		i, j = j, i
	}
	return i*l.n - i*(i+1)/2 + (j - i - 1)
}

func (l *linkage) get(i, j int) float64 { return l.dist[l.idx(i, j)] }

func (l *linkage) set(i, j int, v float64) { l.dist[l.idx(i, j)] = v }

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// union keeps the lower root so roots are always the smallest index.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

// groups returns components in order of their smallest member.
func (u *unionFind) groups() [][]int {
	byRoot := make(map[int]int)
	var out [][]int
	for i := range u.parent {
		r := u.find(i)
		gi, ok := byRoot[r]
		if !ok {
			gi = len(out)
			byRoot[r] = gi
			out = append(out, nil)
		}
		out[gi] = append(out[gi], i)
	}
	return out
}
