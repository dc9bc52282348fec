// Package confirm asks an external reasoning model whether the members of
// an ambiguous cluster really are duplicates of its representative, and
// applies the verdicts to the cluster.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/retry"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrReasonerUnavailable = errors.New("reasoner unavailable")
	ErrInvalidResponse     = models.ErrInvalidResponse
)

// Options configure the confirmation pass.
type Options struct {
	// HighConfidence is the cohesion at or above which a cluster is
	// accepted without confirmation.
	HighConfidence float64
	// MaxMembers bounds how many members besides the representative are
	// submitted per cluster.
	MaxMembers  int
	Concurrency int
	Retry       retry.Config
}

// Member is a non-representative cluster member.
type Member struct {
	Finding            *models.Finding
	DistanceToCentroid float64
	// Similarity is the cosine similarity to the representative.
	Similarity float64
}

// Candidate is one cluster as produced by the clustering pass.
type Candidate struct {
	Cohesion float64
	// Threshold is the similarity threshold the cluster was formed with.
	// Density chains and count cuts can leave Cohesion below it; such a
	// loose cluster is always confirmed, or flagged when no reasoner is set.
	Threshold      float64
	Representative *models.Finding
	Members        []Member
}

// Outcome is what the pass decided for one cluster.
type Outcome struct {
	Status models.ConfirmationStatus
	// Kept are the non-representative members still in the cluster.
	Kept []uuid.UUID
	// Split are the members the model judged DISTINCT.
	Split    []uuid.UUID
	Verdicts map[uuid.UUID]models.ConfirmResult
	// Dissolved is set when fewer than two members remain.
	Dissolved bool
	Requested int
	Err       error
}

// Report aggregates the outcomes of one pass, aligned with its input.
type Report struct {
	Outcomes  []Outcome
	Requested int
	Accepted  int
	Split     int
	Flagged   int
	Degraded  bool
}

// Service runs the confirmation pass.
type Service struct {
	reasoner models.Reasoner
	opts     Options
}

// NewService creates a Service. A nil reasoner marks every ambiguous
// cluster as skipped.
func NewService(reasoner models.Reasoner, opts Options) *Service {
	if opts.MaxMembers < 1 {
		opts.MaxMembers = 5
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Service{reasoner: reasoner, opts: opts}
}

type check struct {
	cluster int
	member  int
	result  models.ConfirmResult
	err     error
}

// Review confirms every cluster whose cohesion falls below the
// high-confidence threshold. Without a reasoner, clusters in the band
// between the similarity threshold and high confidence are skipped while
// loose clusters below the threshold need review. Reasoner failures never fail the pass: the
// affected cluster keeps its pre-confirmation membership and the report is
// marked degraded. Only cancellation of ctx is returned as an error.
func (s *Service) Review(ctx context.Context, candidates []Candidate) (*Report, error) {
	report := &Report{Outcomes: make([]Outcome, len(candidates))}

	var checks []*check
	for i, c := range candidates {
		out := &report.Outcomes[i]
		out.Kept = memberIDs(c.Members)
		switch {
		case c.Cohesion >= s.opts.HighConfidence:
			out.Status = models.ConfirmationNotRequired
			continue
		case s.reasoner == nil && c.Cohesion < c.Threshold:
			out.Status = models.ConfirmationNeedsReview
			report.Flagged++
			continue
		case s.reasoner == nil:
			out.Status = models.ConfirmationSkipped
			continue
		}
		selected := selectMembers(c.Members, s.opts.MaxMembers)
		for _, k := range selected {
			checks = append(checks, &check{cluster: i, member: k})
		}
		out.Requested = len(selected)
	}
	if len(checks) == 0 {
		return report, nil
	}

	sem := semaphore.NewWeighted(int64(s.opts.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range checks {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			c := candidates[ch.cluster]
			m := c.Members[ch.member]
			ch.result, ch.err = s.confirm(gctx, models.ConfirmRequest{
				Representative: *c.Representative,
				Candidate:      *m.Finding,
				Similarity:     m.Similarity,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("confirmation: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("confirmation: %w", err)
	}

	byCluster := make(map[int][]*check)
	for _, ch := range checks {
		byCluster[ch.cluster] = append(byCluster[ch.cluster], ch)
	}
	for i := range candidates {
		cs, ok := byCluster[i]
		if !ok {
			continue
		}
		s.apply(candidates[i], &report.Outcomes[i], cs)
		out := report.Outcomes[i]
		report.Requested += len(cs)
		switch out.Status {
		case models.ConfirmationDegraded:
			report.Degraded = true
		case models.ConfirmationNeedsReview:
			report.Flagged++
		}
		report.Split += len(out.Split)
		for _, v := range out.Verdicts {
			if v.Verdict == models.VerdictConfirmedDuplicate {
				report.Accepted++
			}
		}
	}
	return report, nil
}

// apply folds one cluster's verdicts into its outcome. A single failed
// call discards the cluster's other verdicts.
func (s *Service) apply(c Candidate, out *Outcome, checks []*check) {
	for _, ch := range checks {
		if ch.err != nil {
			out.Status = models.ConfirmationDegraded
			out.Err = ch.err
			slog.Warn("cluster confirmation degraded",
				"representative_id", c.Representative.ID,
				"candidate_id", c.Members[ch.member].Finding.ID,
				"reasoner", s.reasoner.Name(),
				"error", ch.err,
			)
			return
		}
	}

	out.Status = models.ConfirmationConfirmed
	out.Verdicts = make(map[uuid.UUID]models.ConfirmResult, len(checks))
	split := make(map[uuid.UUID]bool)
	for _, ch := range checks {
		id := c.Members[ch.member].Finding.ID
		out.Verdicts[id] = ch.result
		switch ch.result.Verdict {
		case models.VerdictDistinct:
			split[id] = true
		case models.VerdictUncertain:
			out.Status = models.ConfirmationNeedsReview
		}
	}
	if len(split) == 0 {
		return
	}

	kept := out.Kept[:0:0]
	for _, id := range out.Kept {
		if split[id] {
			out.Split = append(out.Split, id)
		} else {
			kept = append(kept, id)
		}
	}
	out.Kept = kept
	// The representative counts as a member.
	out.Dissolved = len(kept)+1 < 2
}

func (s *Service) confirm(ctx context.Context, req models.ConfirmRequest) (models.ConfirmResult, error) {
	var res models.ConfirmResult
	err := retry.Do(ctx, "confirm duplicate", s.opts.Retry, func(attemptCtx context.Context) error {
		r, err := s.reasoner.Confirm(attemptCtx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if !errors.Is(err, models.ErrInvalidResponse) {
			err = fmt.Errorf("%w: %w", ErrReasonerUnavailable, err)
		}
		return models.ConfirmResult{}, err
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	return res, nil
}

// selectMembers returns the indexes of the members to submit: the farthest
// from the centroid first, ties by finding ID.
func selectMembers(members []Member, limit int) []int {
	idx := make([]int, len(members))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ma, mb := members[idx[a]], members[idx[b]]
		if ma.DistanceToCentroid != mb.DistanceToCentroid {
			return ma.DistanceToCentroid > mb.DistanceToCentroid
		}
		return ma.Finding.ID.String() < mb.Finding.ID.String()
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}
	return idx
}

func memberIDs(members []Member) []uuid.UUID {
	ids := make([]uuid.UUID, len(members))
	for i, m := range members {
		ids[i] = m.Finding.ID
	}
	return ids
}
