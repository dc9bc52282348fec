package cluster

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

func describeGroup(m *Matrix, a Assignment) (Group, error) {
	dim := len(m.Point(a.Members[0]).Vector)
	sum := make([]float64, dim)
	for _, idx := range a.Members {
		for k, x := range m.Point(idx).Vector {
			sum[k] += float64(x)
		}
	}
	size := float64(len(a.Members))
	centroid := make([]float32, dim)
	for k := range sum {
		sum[k] /= size
		centroid[k] = float32(sum[k])
	}
	unitCentroid, err := normalize(centroid)
	if err != nil {
		// Opposing members can cancel to a zero mean. Measure from the
		// medoid instead so the group keeps a usable centre.
		med := medoid(m, a.Members)
		unitCentroid = m.unit[med]
		centroid = append([]float32(nil), m.Point(med).Vector...)
	}

	g := Group{Centroid: centroid, MinSimilarity: math.Inf(1), MaxSimilarity: math.Inf(-1)}

	var pairSum float64
	pairs := 0
	for x := 0; x < len(a.Members); x++ {
		for y := x + 1; y < len(a.Members); y++ {
			s := m.Similarity(a.Members[x], a.Members[y])
			pairSum += s
			pairs++
			g.MinSimilarity = math.Min(g.MinSimilarity, s)
			g.MaxSimilarity = math.Max(g.MaxSimilarity, s)
		}
	}
	g.Cohesion = pairSum / float64(pairs)

	var distSum float64
	repIdx := -1
	for _, idx := range a.Members {
		dist := 1 - clamp(dot(m.unit[idx], unitCentroid))
		g.Members = append(g.Members, Member{Index: idx, ID: m.ID(idx), DistanceToCentroid: dist})
		distSum += dist
	}
	g.AvgDistanceToCentroid = distSum / size

	if a.Representative != uuid.Nil {
		for i, mem := range g.Members {
			if mem.ID == a.Representative {
				repIdx = i
				break
			}
		}
		if repIdx < 0 {
			return Group{}, fmt.Errorf("%w: pinned representative %s is not a member", ErrInvariant, a.Representative)
		}
	} else {
		repIdx = chooseRepresentative(m, g.Members)
	}
	g.Representative = g.Members[repIdx].ID
	return g, nil
}

// medoid returns the member with the smallest summed distance to the
// others. Ties go to the lowest index.
func medoid(m *Matrix, members []int) int {
	best, bestSum := members[0], math.Inf(1)
	for _, i := range members {
		var sum float64
		for _, j := range members {
			if i != j {
				sum += m.Distance(i, j)
			}
		}
		if sum < bestSum || (sum == bestSum && i < best) {
			best, bestSum = i, sum
		}
	}
	return best
}

// chooseRepresentative picks the member nearest the centroid, then the
// earliest first-seen, then the lowest index.
func chooseRepresentative(m *Matrix, members []Member) int {
	best := 0
	for i := 1; i < len(members); i++ {
		a, b := members[i], members[best]
		switch {
		case a.DistanceToCentroid < b.DistanceToCentroid:
			best = i
		case a.DistanceToCentroid == b.DistanceToCentroid:
			ta, tb := m.Point(a.Index).FirstSeenAt, m.Point(b.Index).FirstSeenAt
			if ta.Before(tb) || (ta.Equal(tb) && a.Index < b.Index) {
				best = i
			}
		}
	}
	return best
}

// silhouette fills each group's score and returns the mean over every
// clustered point. Unclustered points take no part.
func silhouette(m *Matrix, groups []Group, owner []int) *float64 {
	var total float64
	count := 0
	for gi := range groups {
		var groupSum float64
		for _, mem := range groups[gi].Members {
			s := pointSilhouette(m, groups, owner, mem.Index)
			groupSum += s
			total += s
			count++
		}
		score := groupSum / float64(len(groups[gi].Members))
		groups[gi].Silhouette = &score
	}
	if count == 0 {
		return nil
	}
	mean := total / float64(count)
	return &mean
}

func pointSilhouette(m *Matrix, groups []Group, owner []int, i int) float64 {
	own := owner[i]
	var a float64
	for _, mem := range groups[own].Members {
		if mem.Index != i {
			a += m.Distance(i, mem.Index)
		}
	}
	a /= float64(len(groups[own].Members) - 1)

	b := math.Inf(1)
	for gi := range groups {
		if gi == own {
			continue
		}
		var d float64
		for _, mem := range groups[gi].Members {
			d += m.Distance(i, mem.Index)
		}
		b = math.Min(b, d/float64(len(groups[gi].Members)))
	}

	den := math.Max(a, b)
	if den == 0 {
		return 0
	}
	return (b - a) / den
}
