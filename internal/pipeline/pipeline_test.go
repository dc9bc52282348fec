package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/cache"
	"github.com/kiranshivaraju/findingdedup/internal/cluster"
	"github.com/kiranshivaraju/findingdedup/internal/confirm"
	confirmmock "github.com/kiranshivaraju/findingdedup/internal/confirm/mock"
	"github.com/kiranshivaraju/findingdedup/internal/dedup"
	"github.com/kiranshivaraju/findingdedup/internal/embedding"
	embedmock "github.com/kiranshivaraju/findingdedup/internal/embedding/mock"
	"github.com/kiranshivaraju/findingdedup/internal/retry"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/kiranshivaraju/findingdedup/internal/vectorindex"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultOptions() Options {
	return Options{
		Params: models.ClusterParams{
			Algorithm:           models.AlgorithmDensity,
			SimilarityThreshold: 0.85,
			MinNeighbors:        1,
		},
		MaxScopeSize:   100,
		Workers:        2,
		RunTimeout:     time.Minute,
		LockStaleAfter: time.Hour,
	}
}

// byMessage answers with the vector registered for the finding message the
// embedding text ends with.
func byMessage(vectors map[string][]float32) *embedmock.MockProvider {
	p := embedmock.NewMockProvider(nil)
	p.EmbedBatchFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = []float32{0, 0, 1}
			for msg, v := range vectors {
				if strings.HasSuffix(text, "Description: "+msg) {
					out[i] = v
				}
			}
		}
		return out, nil
	}
	return p
}

func newOrchestrator(st store.Store, provider models.EmbeddingProvider, reasoner models.Reasoner, opts Options, extra ...Option) *Orchestrator {
	adapter := embedding.NewAdapter(provider, nil, embedding.Options{Retry: retry.Config{MaxAttempts: 1}})
	svc := confirm.NewService(reasoner, confirm.Options{
		HighConfidence: 0.95,
		MaxMembers:     5,
		Concurrency:    2,
		Retry:          retry.Config{MaxAttempts: 1},
	})
	return New(st, dedup.New(st, dedup.PolicyNewRow), adapter, svc, opts, extra...)
}

func testScope() models.Scope {
	return models.Scope{OrganizationID: uuid.New(), ProjectID: uuid.New(), BranchID: uuid.New()}
}

func raw(rule, file string, line int, msg string) models.RawFinding {
	return models.RawFinding{RuleID: rule, FilePath: file, StartLine: line, StartColumn: 1, Message: msg, ToolName: "semgrep"}
}

func listClusters(t *testing.T, st store.Store, scope models.Scope) []*models.Cluster {
	t.Helper()
	clusters, err := st.ListClusters(context.Background(), store.ScopeFilter{OrganizationID: scope.OrganizationID, BranchID: scope.BranchID})
	require.NoError(t, err)
	return clusters
}

func findingByMessage(t *testing.T, st *store.MemoryStore, msg string) *models.Finding {
	t.Helper()
	for _, f := range st.AllFindings() {
		if f.Message == msg && f.IsOpen() {
			return f
		}
	}
	t.Fatalf("no open finding with message %q", msg)
	return nil
}

func TestRun_SimilarFindingsFormOneCluster(t *testing.T) {
	st := store.NewMemoryStore()
	provider := byMessage(map[string][]float32{
		"user input reaches SQL query":    {1, 0, 0},
		"user input flows into SQL query": {0.94, float32(math.Sqrt(1 - 0.94*0.94)), 0},
	})
	orch := newOrchestrator(st, provider, nil, defaultOptions())
	scope := testScope()

	run, err := orch.Run(context.Background(), Request{
		Scope:  scope,
		ScanID: uuid.New(),
		Findings: []models.RawFinding{
			raw("SQLI-01", "app.py", 10, "user input reaches SQL query"),
			raw("SQLI-01", "app.py", 10, "user input flows into SQL query"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Summary.NewFindings)
	assert.Equal(t, 2, run.Summary.EmbeddedFindings)
	assert.Equal(t, 1, run.Summary.ClustersFormed)
	assert.Equal(t, 2, run.Summary.ClusteredFindings)
	assert.False(t, run.Summary.Degraded())

	clusters := listClusters(t, st, scope)
	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.Equal(t, run.ID, c.RunID)
	assert.Equal(t, 2, c.Size)
	assert.InDelta(t, 0.94, c.CohesionScore, 1e-4)
	assert.Equal(t, "SQLI-01", c.PrimaryRuleID)
	assert.Equal(t, "semgrep", c.PrimaryTool)
	assert.Equal(t, "cluster_0", c.Label)
	// below the high-confidence band and no reasoner configured
	assert.Equal(t, models.ConfirmationSkipped, c.ConfirmationStatus)
	require.Len(t, c.Members, 2)
	assert.LessOrEqual(t, c.Members[0].DistanceToCentroid, c.Members[1].DistanceToCentroid)
}

func TestRun_LooseClusterNeedsReviewWithoutReasoner(t *testing.T) {
	st := store.NewMemoryStore()
	provider := byMessage(map[string][]float32{
		"left":  {1, 0, 0},
		"right": {0.5, float32(math.Sqrt(0.75)), 0},
	})
	orch := newOrchestrator(st, provider, nil, defaultOptions())
	scope := testScope()
	params := models.ClusterParams{Algorithm: models.AlgorithmHierarchical, SimilarityThreshold: 0.85, TargetClusters: 1}

	run, err := orch.Run(context.Background(), Request{
		Scope:    scope,
		ScanID:   uuid.New(),
		Findings: []models.RawFinding{raw("r", "a.go", 1, "left"), raw("r", "b.go", 2, "right")},
		Params:   &params,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Summary.ClustersFlagged)

	clusters := listClusters(t, st, scope)
	require.Len(t, clusters, 1)
	assert.InDelta(t, 0.5, clusters[0].CohesionScore, 1e-4)
	assert.Equal(t, models.ConfirmationNeedsReview, clusters[0].ConfirmationStatus)
}

func TestRun_DistinctVerdictSplitsMember(t *testing.T) {
	st := store.NewMemoryStore()
	provider := byMessage(map[string][]float32{
		"a": {1, 0.1, 0},
		"b": {1, -0.1, 0},
		"c": {1, 0, 0.4},
	})
	reasoner := &confirmmock.MockProvider{
		Name_: "mock",
		ConfirmFunc: func(_ context.Context, req models.ConfirmRequest) (models.ConfirmResult, error) {
			if req.Candidate.Message == "c" {
				return models.ConfirmResult{Verdict: models.VerdictDistinct, Confidence: 0.9}, nil
			}
			return models.ConfirmResult{Verdict: models.VerdictConfirmedDuplicate, Confidence: 0.9}, nil
		},
	}
	orch := newOrchestrator(st, provider, reasoner, defaultOptions())
	scope := testScope()

	run, err := orch.Run(context.Background(), Request{
		Scope:  scope,
		ScanID: uuid.New(),
		Findings: []models.RawFinding{
			raw("r", "a.go", 1, "a"),
			raw("r", "b.go", 2, "b"),
			raw("r", "c.go", 3, "c"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Summary.MembersSplit)
	assert.Equal(t, 2, run.Summary.ConfirmationsRequested)
	assert.Equal(t, 1, run.Summary.UnclusteredFindings)

	clusters := listClusters(t, st, scope)
	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.Equal(t, 2, c.Size)
	assert.Equal(t, models.ConfirmationConfirmed, c.ConfirmationStatus)

	split := findingByMessage(t, st, "c")
	for _, m := range c.Members {
		assert.NotEqual(t, split.ID, m.FindingID)
	}
	var verdicts int
	for _, m := range c.Members {
		if m.Verdict != nil {
			verdicts++
			assert.Equal(t, models.VerdictConfirmedDuplicate, *m.Verdict)
		}
	}
	assert.Equal(t, 1, verdicts)
}

func TestRun_ReasonerFailureDegrades(t *testing.T) {
	st := store.NewMemoryStore()
	provider := byMessage(map[string][]float32{
		"a": {1, 0.1, 0},
		"b": {1, -0.1, 0},
		"c": {1, 0, 0.4},
	})
	reasoner := confirmmock.NewFailingProvider(models.ErrProviderUnavailable)
	orch := newOrchestrator(st, provider, reasoner, defaultOptions())
	scope := testScope()

	run, err := orch.Run(context.Background(), Request{
		Scope:    scope,
		ScanID:   uuid.New(),
		Findings: []models.RawFinding{raw("r", "a.go", 1, "a"), raw("r", "b.go", 2, "b"), raw("r", "c.go", 3, "c")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.True(t, run.Summary.ConfirmationDegraded)
	assert.True(t, run.Summary.Degraded())
	assert.Contains(t, run.Summary.Notes, "1 clusters kept without confirmation: reasoner unavailable")

	clusters := listClusters(t, st, scope)
	require.Len(t, clusters, 1)
	assert.Equal(t, 3, clusters[0].Size)
	assert.Equal(t, models.ConfirmationDegraded, clusters[0].ConfirmationStatus)
}

func TestRun_EmbeddingFailureDegrades(t *testing.T) {
	st := store.NewMemoryStore()
	orch := newOrchestrator(st, embedmock.NewFailingProvider(models.ErrProviderUnavailable), nil, defaultOptions())
	scope := testScope()

	run, err := orch.Run(context.Background(), Request{
		Scope:    scope,
		ScanID:   uuid.New(),
		Findings: []models.RawFinding{raw("r", "a.go", 1, "a"), raw("r", "b.go", 2, "b")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Summary.NewFindings)
	assert.Equal(t, 2, run.Summary.EmbeddingFailures)
	assert.Zero(t, run.Summary.ClustersFormed)
	assert.Contains(t, run.Summary.Notes, "2 findings skipped: embedding unavailable")
	assert.Empty(t, listClusters(t, st, scope))
}

func TestRun_ReusesStoredEmbeddings(t *testing.T) {
	st := store.NewMemoryStore()
	provider := byMessage(map[string][]float32{"a": {1, 0, 0}, "b": {0.99, 0.1, 0}})
	orch := newOrchestrator(st, provider, nil, defaultOptions())
	scope := testScope()
	findings := []models.RawFinding{raw("r", "a.go", 1, "a"), raw("r", "b.go", 2, "b")}

	_, err := orch.Run(context.Background(), Request{Scope: scope, ScanID: uuid.New(), Findings: findings})
	require.NoError(t, err)
	requested := provider.Texts()
	assert.Equal(t, 2, requested)

	run, err := orch.Run(context.Background(), Request{Scope: scope, ScanID: uuid.New(), Findings: findings})
	require.NoError(t, err)
	assert.Equal(t, requested, provider.Texts())
	assert.Equal(t, 2, run.Summary.ReaffirmedFindings)
	assert.Equal(t, 2, run.Summary.EmbeddedFindings)
	assert.Len(t, listClusters(t, st, scope), 1)
}

func TestRun_ResolvedFindingDropsCluster(t *testing.T) {
	st := store.NewMemoryStore()
	provider := byMessage(map[string][]float32{"a": {1, 0, 0}, "b": {0.99, 0.1, 0}})
	orch := newOrchestrator(st, provider, nil, defaultOptions())
	scope := testScope()

	_, err := orch.Run(context.Background(), Request{
		Scope:    scope,
		ScanID:   uuid.New(),
		Findings: []models.RawFinding{raw("r", "a.go", 1, "a"), raw("r", "b.go", 2, "b")},
	})
	require.NoError(t, err)
	require.Len(t, listClusters(t, st, scope), 1)

	run, err := orch.Run(context.Background(), Request{
		Scope:    scope,
		ScanID:   uuid.New(),
		Findings: []models.RawFinding{raw("r", "a.go", 1, "a")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Summary.ReaffirmedFindings)
	assert.Equal(t, 1, run.Summary.ResolvedFindings)
	assert.Equal(t, 1, run.Summary.UnclusteredFindings)
	assert.Empty(t, listClusters(t, st, scope))
}

func TestRun_SizeExceededKeepsPreviousClusters(t *testing.T) {
	st := store.NewMemoryStore()
	provider := byMessage(map[string][]float32{"a": {1, 0, 0}, "b": {0.99, 0.1, 0}, "c": {0.98, 0.2, 0}})
	opts := defaultOptions()
	opts.MaxScopeSize = 2
	orch := newOrchestrator(st, provider, nil, opts)
	scope := testScope()

	first, err := orch.Run(context.Background(), Request{
		Scope:    scope,
		ScanID:   uuid.New(),
		Findings: []models.RawFinding{raw("r", "a.go", 1, "a"), raw("r", "b.go", 2, "b")},
	})
	require.NoError(t, err)

	run, err := orch.Run(context.Background(), Request{
		Scope:    scope,
		ScanID:   uuid.New(),
		Findings: []models.RawFinding{raw("r", "a.go", 1, "a"), raw("r", "b.go", 2, "b"), raw("r", "c.go", 3, "c")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cluster.ErrSizeExceeded)
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "3 open findings")
	assert.Equal(t, 1, run.Summary.NewFindings)

	// exact-match results persist
	open, err := st.ListOpenFindings(context.Background(), scope)
	require.NoError(t, err)
	assert.Len(t, open, 3)

	clusters := listClusters(t, st, scope)
	require.Len(t, clusters, 1)
	assert.Equal(t, first.ID, clusters[0].RunID)
}

func TestPrepare_ShortStaleWindowStillBlocksActiveRun(t *testing.T) {
	st := store.NewMemoryStore()
	opts := defaultOptions()
	opts.RunTimeout = time.Hour
	opts.LockStaleAfter = time.Millisecond
	orch := newOrchestrator(st, byMessage(nil), nil, opts)
	scope := testScope()
	req := Request{Scope: scope, ScanID: uuid.New(), Findings: []models.RawFinding{raw("r", "a.go", 1, "a")}}

	first, err := orch.Prepare(context.Background(), req)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	second, err := orch.Prepare(context.Background(), req)
	assert.ErrorIs(t, err, ErrConcurrentRun)
	assert.Nil(t, second)

	got, err := st.GetRun(context.Background(), first.ID, scope.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status)
}

func TestRun_ConcurrentRunRejected(t *testing.T) {
	st := store.NewMemoryStore()
	orch := newOrchestrator(st, byMessage(nil), nil, defaultOptions())
	scope := testScope()
	require.NoError(t, st.AcquireRunLock(context.Background(), scope, uuid.New(), time.Hour))

	run, err := orch.Run(context.Background(), Request{Scope: scope, ScanID: uuid.New(), Findings: []models.RawFinding{raw("r", "a.go", 1, "a")}})
	assert.ErrorIs(t, err, ErrConcurrentRun)
	assert.Nil(t, run)

	runs, err := st.ListRuns(context.Background(), store.RunFilter{OrganizationID: scope.OrganizationID, BranchID: scope.BranchID})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, st.AllFindings())
}

func TestRun_LockReleasedAfterRun(t *testing.T) {
	st := store.NewMemoryStore()
	orch := newOrchestrator(st, byMessage(nil), nil, defaultOptions())
	scope := testScope()

	for i := 0; i < 2; i++ {
		_, err := orch.Run(context.Background(), Request{Scope: scope, ScanID: uuid.New(), Findings: []models.RawFinding{raw("r", "a.go", 1, "a")}})
		require.NoError(t, err)
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	orch := newOrchestrator(store.NewMemoryStore(), byMessage(nil), nil, defaultOptions())

	tests := map[string]Request{
		"missing scope":   {ScanID: uuid.New()},
		"missing scan id": {Scope: testScope()},
		"bad params": {
			Scope:  testScope(),
			ScanID: uuid.New(),
			Params: &models.ClusterParams{Algorithm: "kmeans", SimilarityThreshold: 0.8},
		},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := orch.Run(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestRun_CountsInvalidFindings(t *testing.T) {
	st := store.NewMemoryStore()
	orch := newOrchestrator(st, byMessage(nil), nil, defaultOptions())

	run, err := orch.Run(context.Background(), Request{
		Scope:        testScope(),
		ScanID:       uuid.New(),
		Findings:     []models.RawFinding{raw("r", "a.go", 1, "a"), raw("", "b.go", 2, "b")},
		IngestErrors: []*dedup.InputError{{Index: 4, Field: "level", Reason: "unknown level"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, run.Summary.InputFindings)
	assert.Equal(t, 2, run.Summary.InvalidFindings)
	assert.Equal(t, 1, run.Summary.NewFindings)
	require.Len(t, run.Summary.InputErrors, 2)
	assert.Equal(t, "ingest: finding 4: level: unknown level", run.Summary.InputErrors[0])
	assert.True(t, run.Summary.Degraded())
}

func TestRun_HierarchicalOverride(t *testing.T) {
	st := store.NewMemoryStore()
	provider := byMessage(map[string][]float32{"a": {1, 0, 0}, "b": {0.99, 0.1, 0}, "c": {0, 1, 0}})
	orch := newOrchestrator(st, provider, nil, defaultOptions())
	scope := testScope()
	params := models.ClusterParams{Algorithm: models.AlgorithmHierarchical, SimilarityThreshold: 0.9}

	run, err := orch.Run(context.Background(), Request{
		Scope:    scope,
		ScanID:   uuid.New(),
		Params:   &params,
		Findings: []models.RawFinding{raw("r", "a.go", 1, "a"), raw("r", "b.go", 2, "b"), raw("r", "c.go", 3, "c")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.AlgorithmHierarchical, run.Params.Algorithm)

	clusters := listClusters(t, st, scope)
	require.Len(t, clusters, 1)
	assert.Equal(t, models.AlgorithmHierarchical, clusters[0].Algorithm)
	assert.Equal(t, 2, clusters[0].Size)
}

func TestRun_PrimarySeverityIsHighest(t *testing.T) {
	st := store.NewMemoryStore()
	provider := byMessage(map[string][]float32{"a": {1, 0, 0}, "b": {0.99, 0.1, 0}})
	orch := newOrchestrator(st, provider, nil, defaultOptions())
	scope := testScope()
	low := raw("r", "a.go", 1, "a")
	low.Severity = models.SeverityLow
	critical := raw("r", "b.go", 2, "b")
	critical.Severity = models.SeverityCritical

	_, err := orch.Run(context.Background(), Request{Scope: scope, ScanID: uuid.New(), Findings: []models.RawFinding{low, critical}})
	require.NoError(t, err)

	clusters := listClusters(t, st, scope)
	require.Len(t, clusters, 1)
	assert.Equal(t, models.SeverityCritical, clusters[0].PrimarySeverity)
}

type failingIndex struct{}

func (failingIndex) Upsert(context.Context, []vectorindex.Point) error {
	return errors.New("qdrant unavailable")
}

func (failingIndex) Similar(context.Context, models.Scope, []float32, uuid.UUID, int) ([]vectorindex.Match, error) {
	return nil, errors.New("qdrant unavailable")
}

func TestRun_VectorMirror(t *testing.T) {
	provider := byMessage(map[string][]float32{"a": {1, 0, 0}, "b": {0.99, 0.1, 0}})
	findings := []models.RawFinding{raw("r", "a.go", 1, "a"), raw("r", "b.go", 2, "b")}

	t.Run("upserts embedded findings", func(t *testing.T) {
		idx := vectorindex.NewMemoryIndex()
		orch := newOrchestrator(store.NewMemoryStore(), provider, nil, defaultOptions(), WithVectorIndex(idx))

		_, err := orch.Run(context.Background(), Request{Scope: testScope(), ScanID: uuid.New(), Findings: findings})
		require.NoError(t, err)
		assert.Equal(t, 2, idx.Len())
	})

	t.Run("failure is only noted", func(t *testing.T) {
		orch := newOrchestrator(store.NewMemoryStore(), provider, nil, defaultOptions(), WithVectorIndex(failingIndex{}))

		run, err := orch.Run(context.Background(), Request{Scope: testScope(), ScanID: uuid.New(), Findings: findings})
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, run.Status)
		assert.Contains(t, run.Summary.Notes, "vector mirror not updated")
		assert.Equal(t, 1, run.Summary.ClustersFormed)
	})
}

func TestStart_RunsInBackground(t *testing.T) {
	st := store.NewMemoryStore()
	c := cache.NewMemoryCache()
	provider := byMessage(map[string][]float32{"a": {1, 0, 0}, "b": {0.99, 0.1, 0}})
	orch := newOrchestrator(st, provider, nil, defaultOptions(), WithCache(c))
	scope := testScope()

	run, err := orch.Start(context.Background(), Request{
		Scope:    scope,
		ScanID:   uuid.New(),
		Findings: []models.RawFinding{raw("r", "a.go", 1, "a"), raw("r", "b.go", 2, "b")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, run.Status)
	orch.Wait()

	got, err := st.GetRun(context.Background(), run.ID, scope.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	status, found, err := c.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.RunStatusCompleted, status)
}

type panickingStore struct {
	*store.MemoryStore
}

func (panickingStore) GetEmbeddings(context.Context, string, []uuid.UUID) (map[uuid.UUID]*models.Embedding, error) {
	panic("boom")
}

func TestRun_PanicFailsRunAndReleasesLock(t *testing.T) {
	mem := store.NewMemoryStore()
	orch := newOrchestrator(panickingStore{mem}, byMessage(nil), nil, defaultOptions())
	scope := testScope()

	run, err := orch.Run(context.Background(), Request{Scope: scope, ScanID: uuid.New(), Findings: []models.RawFinding{raw("r", "a.go", 1, "a")}})
	assert.ErrorIs(t, err, ErrFatal)
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusFailed, run.Status)

	require.NoError(t, mem.AcquireRunLock(context.Background(), scope, uuid.New(), time.Hour))
}

func TestRun_Cancelled(t *testing.T) {
	st := store.NewMemoryStore()
	orch := newOrchestrator(st, byMessage(nil), nil, defaultOptions())
	scope := testScope()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.Run(ctx, Request{Scope: scope, ScanID: uuid.New(), Findings: []models.RawFinding{raw("r", "a.go", 1, "a")}})
	require.Error(t, err)

	runs, err := st.ListRuns(context.Background(), store.RunFilter{OrganizationID: scope.OrganizationID, BranchID: scope.BranchID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
}

func TestDominantDimension(t *testing.T) {
	assert.Equal(t, 0, dominantDimension(nil))
	assert.Equal(t, 3, dominantDimension([][]float32{{1, 2, 3}, nil, {1, 2}, {4, 5, 6}}))
	assert.Equal(t, 2, dominantDimension([][]float32{{1, 2}, {1, 2, 3}}))
}
