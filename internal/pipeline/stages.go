package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/cluster"
	"github.com/kiranshivaraju/findingdedup/internal/confirm"
	"github.com/kiranshivaraju/findingdedup/internal/dedup"
	"github.com/kiranshivaraju/findingdedup/internal/vectorindex"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// maxReportedInputErrors bounds the rejected-record messages kept in a summary.
const maxReportedInputErrors = 100

type embedded struct {
	finding *models.Finding
	vector  []float32
}

// stages runs the sequential pipeline. Cancellation is checked between
// stages; an error from any stage leaves the branch's previous clusters in
// place.
func (o *Orchestrator) stages(ctx context.Context, run *models.DedupRun, req Request, sum *models.RunSummary, log *slog.Logger) error {
	log.Info("stage started", "stage", "exact_match")
	plan, err := o.dedup.Apply(ctx, req.Scope, run.ScanID, req.Findings)
	if err != nil {
		return fmt.Errorf("exact-match pass: %w", err)
	}
	recordPlan(sum, req, plan)
	if err := ctx.Err(); err != nil {
		return err
	}

	open := plan.Open()
	sort.Slice(open, func(i, j int) bool { return bytes.Compare(open[i].ID[:], open[j].ID[:]) < 0 })
	sum.OpenFindings = len(open)
	if o.opts.MaxScopeSize > 0 && len(open) > o.opts.MaxScopeSize {
		return fmt.Errorf("%w: %d open findings, limit %d", cluster.ErrSizeExceeded, len(open), o.opts.MaxScopeSize)
	}

	log.Info("stage started", "stage", "embedding", "open_findings", len(open))
	points, err := o.embed(ctx, open, sum, log)
	if err != nil {
		return fmt.Errorf("embedding pass: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mirror(ctx, points, sum, log)

	log.Info("stage started", "stage", "clustering", "points", len(points))
	clusters, err := o.clusterPoints(ctx, run, points, sum, log)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	log.Info("stage started", "stage", "persist", "clusters", len(clusters))
	if err := o.store.ReplaceClusters(ctx, req.Scope, run.ID, clusters); err != nil {
		return fmt.Errorf("persisting clusters: %w", err)
	}
	return nil
}

func recordPlan(sum *models.RunSummary, req Request, plan *dedup.Plan) {
	sum.InputFindings = len(req.Findings) + len(req.IngestErrors)
	sum.InvalidFindings = len(req.IngestErrors) + len(plan.InputErrors)
	sum.NewFindings = len(plan.New)
	sum.ReaffirmedFindings = len(plan.Reaffirmed)
	sum.RevivedFindings = len(plan.Revived)
	sum.ResolvedFindings = len(plan.Resolved)
	sum.ExactDuplicates = plan.ExactDuplicates
	sum.HashCollisions = len(plan.Collisions)

	var msgs []string
	for _, e := range req.IngestErrors {
		msgs = append(msgs, "ingest: "+e.Error())
	}
	for _, e := range plan.InputErrors {
		msgs = append(msgs, e.Error())
	}
	if len(msgs) > maxReportedInputErrors {
		msgs = msgs[:maxReportedInputErrors]
	}
	sum.InputErrors = msgs

	if sum.InvalidFindings > 0 {
		sum.Notes = append(sum.Notes, fmt.Sprintf("%d findings rejected as invalid", sum.InvalidFindings))
	}
	if plan.ResolveSkipped {
		sum.Notes = append(sum.Notes, "resolution skipped: scan had no valid findings")
	}
}

// embed reuses stored embeddings whose text hash still matches and requests
// the rest. Findings without a usable vector are left out of clustering.
func (o *Orchestrator) embed(ctx context.Context, open []*models.Finding, sum *models.RunSummary, log *slog.Logger) ([]embedded, error) {
	if len(open) == 0 {
		return nil, nil
	}
	model := o.embedder.Model()

	ids := make([]uuid.UUID, len(open))
	for i, f := range open {
		ids[i] = f.ID
	}
	stored, err := o.store.GetEmbeddings(ctx, model, ids)
	if err != nil {
		return nil, fmt.Errorf("loading stored embeddings: %w", err)
	}

	vectors := make([][]float32, len(open))
	var missing []*models.Finding
	var missingIdx []int
	for i, f := range open {
		if e, ok := stored[f.ID]; ok && len(e.Vector) > 0 && e.TextHash == o.embedder.TextHash(f) {
			vectors[i] = e.Vector
			continue
		}
		missing = append(missing, f)
		missingIdx = append(missingIdx, i)
	}

	failed := 0
	if len(missing) > 0 {
		res, err := o.embedder.Embed(ctx, missing)
		if err != nil {
			return nil, err
		}
		var fresh []*models.Embedding
		for j, e := range res.Embeddings {
			if e == nil {
				continue
			}
			vectors[missingIdx[j]] = e.Vector
			fresh = append(fresh, e)
		}
		failed = len(res.Failures)
		if len(fresh) > 0 {
			if err := o.store.SaveEmbeddings(ctx, fresh); err != nil {
				return nil, fmt.Errorf("saving embeddings: %w", err)
			}
		}
	}

	dim := dominantDimension(vectors)
	points := make([]embedded, 0, len(open))
	for i, v := range vectors {
		if v == nil {
			continue
		}
		if len(v) != dim {
			failed++
			continue
		}
		points = append(points, embedded{finding: open[i], vector: v})
	}

	sum.EmbeddedFindings = len(points)
	sum.EmbeddingFailures = failed
	if failed > 0 {
		sum.Notes = append(sum.Notes, fmt.Sprintf("%d findings skipped: embedding unavailable", failed))
	}
	log.Info("embedding pass complete",
		"stage", "embedding",
		"embedded", len(points),
		"reused", len(open)-len(missing),
		"failed", failed,
	)
	return points, nil
}

// dominantDimension returns the most common vector length, preferring the
// one seen first on ties.
func dominantDimension(vectors [][]float32) int {
	counts := make(map[int]int)
	best, bestCount := 0, 0
	for _, v := range vectors {
		if v == nil {
			continue
		}
		counts[len(v)]++
		if c := counts[len(v)]; c > bestCount {
			best, bestCount = len(v), c
		}
	}
	return best
}

// mirror upserts the embedded findings into the vector index. Failures are
// noted and never fail the run.
func (o *Orchestrator) mirror(ctx context.Context, points []embedded, sum *models.RunSummary, log *slog.Logger) {
	if o.index == nil || len(points) == 0 {
		return
	}
	batch := make([]vectorindex.Point, len(points))
	for i, p := range points {
		batch[i] = vectorindex.Point{Finding: p.finding, Vector: p.vector}
	}
	if err := o.index.Upsert(ctx, batch); err != nil {
		log.Warn("vector mirror update failed", "stage", "mirror", "error", err)
		sum.Notes = append(sum.Notes, "vector mirror not updated")
	}
}

// clusterPoints groups the points, runs the confirmation pass, and turns the
// surviving groups into cluster records.
func (o *Orchestrator) clusterPoints(ctx context.Context, run *models.DedupRun, points []embedded, sum *models.RunSummary, log *slog.Logger) ([]*models.Cluster, error) {
	if len(points) < 2 {
		sum.UnclusteredFindings = len(points)
		return nil, nil
	}

	findings := make(map[uuid.UUID]*models.Finding, len(points))
	input := make([]cluster.Point, len(points))
	for i, p := range points {
		findings[p.finding.ID] = p.finding
		input[i] = cluster.Point{ID: p.finding.ID, Vector: p.vector, FirstSeenAt: p.finding.FirstSeenAt}
	}

	res, err := o.engine.Run(ctx, input, run.Params)
	if err != nil {
		if errors.Is(err, cluster.ErrInvariant) {
			return nil, fmt.Errorf("%w: clustering: %w", ErrFatal, err)
		}
		return nil, fmt.Errorf("clustering pass: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := res.Matrix

	log.Info("stage started", "stage", "confirmation", "candidates", len(res.Groups))
	candidates := make([]confirm.Candidate, len(res.Groups))
	for gi, g := range res.Groups {
		repIdx, _ := m.Index(g.Representative)
		c := confirm.Candidate{
			Cohesion:       g.Cohesion,
			Threshold:      run.Params.SimilarityThreshold,
			Representative: findings[g.Representative],
		}
		for _, mem := range g.Members {
			if mem.ID == g.Representative {
				continue
			}
			c.Members = append(c.Members, confirm.Member{
				Finding:            findings[mem.ID],
				DistanceToCentroid: mem.DistanceToCentroid,
				Similarity:         m.Similarity(repIdx, mem.Index),
			})
		}
		candidates[gi] = c
	}
	report, err := o.confirm.Review(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("confirmation pass: %w", err)
	}

	outcomes := make(map[uuid.UUID]confirm.Outcome, len(res.Groups))
	var assignments []cluster.Assignment
	degraded := 0
	for gi, g := range res.Groups {
		out := report.Outcomes[gi]
		if out.Status == models.ConfirmationDegraded {
			degraded++
		}
		if out.Dissolved {
			continue
		}
		repIdx, _ := m.Index(g.Representative)
		members := []int{repIdx}
		for _, id := range out.Kept {
			idx, ok := m.Index(id)
			if !ok {
				return nil, fmt.Errorf("%w: confirmed member %s is not in the scope", ErrFatal, id)
			}
			members = append(members, idx)
		}
		assignments = append(assignments, cluster.Assignment{Members: members, Representative: g.Representative})
		outcomes[g.Representative] = out
	}

	final, err := cluster.Describe(m, assignments)
	if err != nil {
		return nil, fmt.Errorf("%w: describing confirmed clusters: %w", ErrFatal, err)
	}

	now := o.now()
	clusters := make([]*models.Cluster, 0, len(final.Groups))
	for i, g := range final.Groups {
		c := o.buildCluster(run, i, g, outcomes[g.Representative], findings, now)
		clusters = append(clusters, c)
		sum.ClusteredFindings += c.Size
	}

	sum.ClustersFormed = len(clusters)
	sum.UnclusteredFindings = len(final.Unclustered)
	sum.SilhouetteScore = final.Silhouette
	sum.ConfirmationsRequested = report.Requested
	sum.ConfirmationsAccepted = report.Accepted
	sum.MembersSplit = report.Split
	sum.ClustersFlagged = report.Flagged
	if report.Degraded {
		sum.ConfirmationDegraded = true
		sum.Notes = append(sum.Notes, fmt.Sprintf("%d clusters kept without confirmation: reasoner unavailable", degraded))
	}
	return clusters, nil
}

func (o *Orchestrator) buildCluster(run *models.DedupRun, label int, g cluster.Group, out confirm.Outcome, findings map[uuid.UUID]*models.Finding, now time.Time) *models.Cluster {
	rep := findings[g.Representative]
	c := &models.Cluster{
		ID:                      o.newID(),
		RunID:                   run.ID,
		OrganizationID:          run.OrganizationID,
		ProjectID:               run.ProjectID,
		BranchID:                run.BranchID,
		Label:                   fmt.Sprintf("cluster_%d", label),
		Algorithm:               run.Params.Algorithm,
		Params:                  run.Params,
		Size:                    g.Size(),
		Centroid:                g.Centroid,
		CohesionScore:           g.Cohesion,
		SilhouetteScore:         g.Silhouette,
		AvgDistanceToCentroid:   g.AvgDistanceToCentroid,
		MinSimilarity:           g.MinSimilarity,
		MaxSimilarity:           g.MaxSimilarity,
		RepresentativeFindingID: g.Representative,
		PrimaryRuleID:           rep.RuleID,
		PrimarySeverity:         rep.Severity,
		PrimaryTool:             rep.ToolName,
		ConfirmationStatus:      out.Status,
		CreatedAt:               now,
	}
	if c.ConfirmationStatus == "" {
		c.ConfirmationStatus = models.ConfirmationNotRequired
	}

	members := append([]cluster.Member(nil), g.Members...)
	sort.Slice(members, func(i, j int) bool {
		if members[i].DistanceToCentroid != members[j].DistanceToCentroid {
			return members[i].DistanceToCentroid < members[j].DistanceToCentroid
		}
		return bytes.Compare(members[i].ID[:], members[j].ID[:]) < 0
	})
	for _, mem := range members {
		if sev := findings[mem.ID].Severity; sev.Rank() > c.PrimarySeverity.Rank() {
			c.PrimarySeverity = sev
		}
		ms := models.ClusterMembership{
			ID:                 o.newID(),
			ClusterID:          c.ID,
			FindingID:          mem.ID,
			DistanceToCentroid: mem.DistanceToCentroid,
			CreatedAt:          now,
		}
		if v, ok := out.Verdicts[mem.ID]; ok {
			verdict, confidence := v.Verdict, v.Confidence
			ms.Verdict = &verdict
			ms.VerdictConfidence = &confidence
		}
		c.Members = append(c.Members, ms)
	}
	return c
}
