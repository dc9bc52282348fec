package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/api"
	"github.com/kiranshivaraju/findingdedup/internal/api/handler"
	mw "github.com/kiranshivaraju/findingdedup/internal/api/middleware"
	"github.com/kiranshivaraju/findingdedup/internal/cache"
	"github.com/kiranshivaraju/findingdedup/internal/confirm"
	"github.com/kiranshivaraju/findingdedup/internal/dedup"
	"github.com/kiranshivaraju/findingdedup/internal/embedding"
	"github.com/kiranshivaraju/findingdedup/internal/embedding/hashing"
	"github.com/kiranshivaraju/findingdedup/internal/pipeline"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/kiranshivaraju/findingdedup/internal/vectorindex"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── fixtures ────────────────────────────────────────────────────────────────

var defaultParams = models.ClusterParams{
	Algorithm:           models.AlgorithmDensity,
	SimilarityThreshold: 0.85,
	MinNeighbors:        1,
}

type testEnv struct {
	router   http.Handler
	store    *store.MemoryStore
	orch     *pipeline.Orchestrator
	orgID    uuid.UUID
	scope    models.Scope
	writeKey string
	readKey  string
	adminKey string
	otherKey string
}

type envOption func(*envConfig)

type envConfig struct {
	index vectorindex.Index
	cache cache.Cache
}

func withoutIndex() envOption {
	return func(c *envConfig) { c.index = nil }
}

func withCache(c cache.Cache) envOption {
	return func(cfg *envConfig) { cfg.cache = c }
}

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := &envConfig{index: vectorindex.NewMemoryIndex(), cache: cache.NewMemoryCache()}
	for _, opt := range opts {
		opt(cfg)
	}

	st := store.NewMemoryStore()
	adapter := embedding.NewAdapter(hashing.NewProvider(64), nil, embedding.Options{})
	orch := pipeline.New(st,
		dedup.New(st, dedup.PolicyNewRow),
		adapter,
		confirm.NewService(nil, confirm.Options{HighConfidence: 0.95}),
		pipeline.Options{Params: defaultParams, MaxScopeSize: 100, Workers: 2, RunTimeout: time.Minute, LockStaleAfter: time.Hour},
		pipeline.WithCache(cfg.cache),
		pipeline.WithVectorIndex(cfg.index),
	)

	runs := handler.NewRunHandler(orch, st, cfg.cache, defaultParams)
	clusters := handler.NewClusterHandler(st)
	similar := handler.NewSimilarHandler(st, cfg.index, adapter.Model())
	keys := handler.NewKeyHandler(st)
	auth := mw.NewAuth(st)

	env := &testEnv{store: st, orch: orch, orgID: uuid.New()}
	env.scope = models.Scope{OrganizationID: env.orgID, ProjectID: uuid.New(), BranchID: uuid.New()}
	env.writeKey = issue(t, st, env.orgID, mw.ScopeRead, mw.ScopeWrite)
	env.readKey = issue(t, st, env.orgID, mw.ScopeRead)
	env.adminKey = issue(t, st, env.orgID, mw.ScopeAdmin)
	env.otherKey = issue(t, st, uuid.New(), mw.ScopeAdmin)

	env.router = api.NewRouter(api.Dependencies{
		Auth:             auth,
		RateLimit:        mw.NewRateLimit(cfg.cache, 1000),
		HealthHandler:    handler.NewHealthHandler(st, cfg.cache),
		TriggerRun:       runs.Trigger,
		GetRun:           runs.Get,
		ListRuns:         runs.ListByBranch,
		ListClusters:     clusters.ListByBranch,
		GetCluster:       clusters.Get,
		SimilarFindings:  similar.List,
		CreateKeyHandler: keys.Create,
		ListKeysHandler:  keys.List,
		RevokeKeyHandler: keys.Revoke,
	})
	return env
}

func issue(t *testing.T, st store.Store, orgID uuid.UUID, scopes ...string) string {
	t.Helper()
	raw, key, err := mw.IssueKey(orgID, "test", scopes)
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(context.Background(), key))
	return raw
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, into))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Error.Code
}

func scanFindings() []models.RawFinding {
	sqli := func(line int) models.RawFinding {
		return models.RawFinding{
			RuleID: "SQLI-01", FilePath: "app/db.py", StartLine: line, StartColumn: 5,
			Message: "user input reaches SQL query", Severity: models.SeverityHigh, ToolName: "semgrep",
		}
	}
	return []models.RawFinding{
		sqli(10),
		sqli(42),
		{
			RuleID: "SECRET-07", FilePath: "config/settings.yaml", StartLine: 3, StartColumn: 1,
			Message: "hardcoded credential committed to repository", Severity: models.SeverityCritical, ToolName: "gitleaks",
		},
	}
}

func (e *testEnv) triggerBody() map[string]any {
	return map[string]any{
		"organization_id": e.scope.OrganizationID,
		"project_id":      e.scope.ProjectID,
		"branch_id":       e.scope.BranchID,
		"findings":        scanFindings(),
	}
}

// runScan triggers a dedup run and waits for it to finish.
func (e *testEnv) runScan(t *testing.T) uuid.UUID {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/scans/"+uuid.NewString()+"/dedup", e.writeKey, e.triggerBody())
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted struct {
		RunID  uuid.UUID        `json:"run_id"`
		Status models.RunStatus `json:"status"`
	}
	decodeData(t, w, &accepted)
	assert.Equal(t, models.RunStatusPending, accepted.Status)
	e.orch.Wait()
	return accepted.RunID
}

// ─── runs ────────────────────────────────────────────────────────────────────

func TestTriggerRun_CompletesAndClusters(t *testing.T) {
	env := newEnv(t)
	runID := env.runScan(t)

	w := env.do(t, "GET", "/api/v1/runs/"+runID.String(), env.readKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var run models.DedupRun
	decodeData(t, w, &run)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 3, run.Summary.NewFindings)
	assert.Equal(t, 3, run.Summary.EmbeddedFindings)
	assert.Equal(t, 1, run.Summary.ClustersFormed)
	assert.Equal(t, 2, run.Summary.ClusteredFindings)
	assert.Equal(t, 1, run.Summary.UnclusteredFindings)

	w = env.do(t, "GET", "/api/v1/branches/"+env.scope.BranchID.String()+"/clusters", env.readKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var clusters []models.Cluster
	decodeData(t, w, &clusters)
	require.Len(t, clusters, 1)
	assert.Equal(t, 2, clusters[0].Size)
	assert.Len(t, clusters[0].Members, 2)
	assert.Equal(t, "SQLI-01", clusters[0].PrimaryRuleID)
	assert.Equal(t, models.ConfirmationNotRequired, clusters[0].ConfirmationStatus)

	w = env.do(t, "GET", "/api/v1/clusters/"+clusters[0].ID.String(), env.readKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var single models.Cluster
	decodeData(t, w, &single)
	assert.Equal(t, clusters[0].ID, single.ID)

	w = env.do(t, "GET", "/api/v1/branches/"+env.scope.BranchID.String()+"/runs?limit=5", env.readKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []models.DedupRun
	decodeData(t, w, &history)
	require.Len(t, history, 1)
	assert.Equal(t, runID, history[0].ID)
}

func TestTriggerRun_DefaultsToKeyOrganization(t *testing.T) {
	env := newEnv(t)
	body := env.triggerBody()
	delete(body, "organization_id")

	w := env.do(t, "POST", "/api/v1/scans/"+uuid.NewString()+"/dedup", env.writeKey, body)
	require.Equal(t, http.StatusAccepted, w.Code)
	env.orch.Wait()

	runs, err := env.store.ListRuns(context.Background(), store.RunFilter{OrganizationID: env.orgID, BranchID: env.scope.BranchID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestTriggerRun_Rejections(t *testing.T) {
	env := newEnv(t)
	scanPath := "/api/v1/scans/" + uuid.NewString() + "/dedup"

	otherOrg := env.triggerBody()
	otherOrg["organization_id"] = uuid.New()

	badAlgorithm := env.triggerBody()
	badAlgorithm["algorithm"] = "kmeans"

	badThreshold := env.triggerBody()
	badThreshold["similarity_threshold"] = 1.5

	noBranch := env.triggerBody()
	delete(noBranch, "branch_id")

	tests := []struct {
		name   string
		path   string
		key    string
		body   any
		status int
		code   string
	}{
		{"other organization", scanPath, env.writeKey, otherOrg, http.StatusForbidden, "FORBIDDEN"},
		{"read-only key", scanPath, env.readKey, env.triggerBody(), http.StatusForbidden, "FORBIDDEN"},
		{"invalid json", scanPath, env.writeKey, "{not json", http.StatusBadRequest, "INVALID_REQUEST"},
		{"invalid scan id", "/api/v1/scans/not-a-uuid/dedup", env.writeKey, env.triggerBody(), http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown algorithm", scanPath, env.writeKey, badAlgorithm, http.StatusBadRequest, "INVALID_REQUEST"},
		{"threshold out of range", scanPath, env.writeKey, badThreshold, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing branch", scanPath, env.writeKey, noBranch, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", tt.path, tt.key, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}

	runs, err := env.store.ListRuns(context.Background(), store.RunFilter{OrganizationID: env.orgID, BranchID: env.scope.BranchID})
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected requests must not create runs")
}

func TestTriggerRun_ActiveRunConflict(t *testing.T) {
	env := newEnv(t)
	require.NoError(t, env.store.AcquireRunLock(context.Background(), env.scope, uuid.New(), time.Hour))

	w := env.do(t, "POST", "/api/v1/scans/"+uuid.NewString()+"/dedup", env.writeKey, env.triggerBody())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "RUN_ACTIVE", errorCode(t, w))
}

type stubStarter struct {
	err error
}

func (s stubStarter) Start(context.Context, pipeline.Request) (*models.DedupRun, error) {
	return nil, s.err
}

func TestTriggerRun_StartFailure(t *testing.T) {
	st := store.NewMemoryStore()
	orgID := uuid.New()
	h := handler.NewRunHandler(stubStarter{err: errors.New("db down")}, st, nil, defaultParams)

	body, err := json.Marshal(map[string]any{"project_id": uuid.New(), "branch_id": uuid.New()})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	req = withURLParam(req, "scanID", uuid.NewString())
	req = req.WithContext(mw.SetOrganizationID(req.Context(), orgID))
	w := httptest.NewRecorder()
	h.Trigger(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, w))
}

func TestGetRun_Isolation(t *testing.T) {
	env := newEnv(t)
	runID := env.runScan(t)

	w := env.do(t, "GET", "/api/v1/runs/"+runID.String(), env.otherKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "RUN_NOT_FOUND", errorCode(t, w))

	w = env.do(t, "GET", "/api/v1/runs/"+uuid.NewString(), env.readKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "GET", "/api/v1/branches/"+env.scope.BranchID.String()+"/clusters", env.otherKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var clusters []models.Cluster
	decodeData(t, w, &clusters)
	assert.Empty(t, clusters)
}

func TestGetRun_CachedStatusOverlay(t *testing.T) {
	c := cache.NewMemoryCache()
	env := newEnv(t, withCache(c))

	run := &models.DedupRun{
		ID: uuid.New(), ScanID: uuid.New(), OrganizationID: env.orgID,
		ProjectID: env.scope.ProjectID, BranchID: env.scope.BranchID,
		Status: models.RunStatusPending, Params: defaultParams,
	}
	require.NoError(t, env.store.CreateRun(context.Background(), run))
	require.NoError(t, c.SetRunStatus(context.Background(), run.ID, models.RunStatusRunning, time.Minute))

	w := env.do(t, "GET", "/api/v1/runs/"+run.ID.String(), env.readKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.DedupRun
	decodeData(t, w, &got)
	assert.Equal(t, models.RunStatusRunning, got.Status)
}

func TestListRuns_InvalidLimit(t *testing.T) {
	env := newEnv(t)
	for _, limit := range []string{"0", "-3", "ten"} {
		w := env.do(t, "GET", "/api/v1/branches/"+env.scope.BranchID.String()+"/runs?limit="+limit, env.readKey, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
	}
}

// ─── clusters ────────────────────────────────────────────────────────────────

func TestGetCluster_NotFound(t *testing.T) {
	env := newEnv(t)
	env.runScan(t)
	clusters, err := env.store.ListClusters(context.Background(), store.ScopeFilter{OrganizationID: env.orgID, BranchID: env.scope.BranchID})
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	w := env.do(t, "GET", "/api/v1/clusters/"+clusters[0].ID.String(), env.otherKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CLUSTER_NOT_FOUND", errorCode(t, w))

	w = env.do(t, "GET", "/api/v1/clusters/nope", env.readKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ─── similar findings ────────────────────────────────────────────────────────

func TestSimilarFindings(t *testing.T) {
	env := newEnv(t)
	env.runScan(t)

	var sqli []*models.Finding
	for _, f := range env.store.AllFindings() {
		if f.RuleID == "SQLI-01" {
			sqli = append(sqli, f)
		}
	}
	require.Len(t, sqli, 2)

	w := env.do(t, "GET", "/api/v1/findings/"+sqli[0].ID.String()+"/similar?limit=5", env.readKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var hits []handler.SimilarFinding
	decodeData(t, w, &hits)
	require.Len(t, hits, 2)
	assert.Equal(t, sqli[1].ID, hits[0].Finding.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "SECRET-07", hits[1].Finding.RuleID)
	assert.Less(t, hits[1].Score, hits[0].Score)

	w = env.do(t, "GET", "/api/v1/findings/"+sqli[0].ID.String()+"/similar?limit=1", env.readKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &hits)
	assert.Len(t, hits, 1)
}

func TestSimilarFindings_Errors(t *testing.T) {
	env := newEnv(t)
	env.runScan(t)
	f := env.store.AllFindings()[0]

	w := env.do(t, "GET", "/api/v1/findings/"+f.ID.String()+"/similar", env.otherKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "FINDING_NOT_FOUND", errorCode(t, w))

	disabled := newEnv(t, withoutIndex())
	w = disabled.do(t, "GET", "/api/v1/findings/"+uuid.NewString()+"/similar", disabled.readKey, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "VECTOR_INDEX_DISABLED", errorCode(t, w))
}

// ─── api keys ────────────────────────────────────────────────────────────────

func TestKeys_CreateListRevoke(t *testing.T) {
	env := newEnv(t)

	w := env.do(t, "POST", "/api/v1/admin/keys", env.adminKey, map[string]any{
		"name":   "ci-pipeline",
		"scopes": []string{"read", "write"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Key    string        `json:"key"`
		APIKey models.APIKey `json:"api_key"`
	}
	decodeData(t, w, &created)
	assert.NotEmpty(t, created.Key)
	assert.Equal(t, env.orgID, created.APIKey.OrganizationID)
	assert.NotContains(t, w.Body.String(), "key_hash")

	// the new key can trigger runs
	w = env.do(t, "POST", "/api/v1/scans/"+uuid.NewString()+"/dedup", created.Key, env.triggerBody())
	require.Equal(t, http.StatusAccepted, w.Code)
	env.orch.Wait()

	w = env.do(t, "GET", "/api/v1/admin/keys", env.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var keys []models.APIKey
	decodeData(t, w, &keys)
	assert.Len(t, keys, 4, "three fixture keys plus the new one")

	w = env.do(t, "DELETE", "/api/v1/admin/keys/"+created.APIKey.ID.String(), env.otherKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "DELETE", "/api/v1/admin/keys/"+created.APIKey.ID.String(), env.adminKey, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, "GET", "/api/v1/branches/"+env.scope.BranchID.String()+"/runs", created.Key, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestKeys_CreateValidation(t *testing.T) {
	env := newEnv(t)

	for name, body := range map[string]any{
		"missing name":  map[string]any{"scopes": []string{"read"}},
		"unknown scope": map[string]any{"name": "x", "scopes": []string{"superuser"}},
		"invalid json":  "{",
	} {
		t.Run(name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/admin/keys", env.adminKey, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

// ─── health ──────────────────────────────────────────────────────────────────

type downCache struct {
	*cache.MemoryCache
}

func (downCache) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	env := newEnv(t)
	w := env.do(t, "GET", "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	h := handler.NewHealthHandler(store.NewMemoryStore(), downCache{cache.NewMemoryCache()})
	w = httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "DEGRADED", errorCode(t, w))
}
