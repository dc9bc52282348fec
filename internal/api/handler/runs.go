package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/api/response"
	"github.com/kiranshivaraju/findingdedup/internal/cache"
	"github.com/kiranshivaraju/findingdedup/internal/pipeline"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

const maxTriggerBody = 32 << 20

// RunStarter starts a dedup run in the background.
type RunStarter interface {
	Start(ctx context.Context, req pipeline.Request) (*models.DedupRun, error)
}

// RunHandler serves run triggering and run history.
type RunHandler struct {
	starter  RunStarter
	store    store.Store
	cache    cache.Cache
	defaults models.ClusterParams
}

// NewRunHandler creates a RunHandler. defaults are the configured
// clustering parameters that per-request overrides are applied to.
// c may be nil.
func NewRunHandler(starter RunStarter, st store.Store, c cache.Cache, defaults models.ClusterParams) *RunHandler {
	return &RunHandler{starter: starter, store: st, cache: c, defaults: defaults}
}

type triggerRequest struct {
	OrganizationID      uuid.UUID           `json:"organization_id"`
	ProjectID           uuid.UUID           `json:"project_id"`
	BranchID            uuid.UUID           `json:"branch_id"`
	Algorithm           string              `json:"algorithm"`
	SimilarityThreshold *float64            `json:"similarity_threshold"`
	MinNeighbors        *int                `json:"min_neighbors"`
	TargetClusters      *int                `json:"target_clusters"`
	Findings            []models.RawFinding `json:"findings"`
}

// params applies the request's overrides to the defaults. It returns nil
// when nothing was overridden.
func (t triggerRequest) params(defaults models.ClusterParams) (*models.ClusterParams, error) {
	if t.Algorithm == "" && t.SimilarityThreshold == nil && t.MinNeighbors == nil && t.TargetClusters == nil {
		return nil, nil
	}
	p := defaults
	if t.Algorithm != "" {
		alg, ok := models.ParseAlgorithm(t.Algorithm)
		if !ok {
			return nil, errors.New("algorithm must be one of density, hierarchical")
		}
		p.Algorithm = alg
	}
	if t.SimilarityThreshold != nil {
		p.SimilarityThreshold = *t.SimilarityThreshold
	}
	if t.MinNeighbors != nil {
		p.MinNeighbors = *t.MinNeighbors
	}
	if t.TargetClusters != nil {
		p.TargetClusters = *t.TargetClusters
	}
	return &p, nil
}

// Trigger handles POST /api/v1/scans/{scanID}/dedup.
func (h *RunHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organization(w, r)
	if !ok {
		return
	}
	scanID, ok := pathID(w, r, "scanID")
	if !ok {
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTriggerBody)).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if req.OrganizationID == uuid.Nil {
		req.OrganizationID = orgID
	}
	if req.OrganizationID != orgID {
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "API key cannot access this organization", nil)
		return
	}
	params, err := req.params(h.defaults)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	run, err := h.starter.Start(r.Context(), pipeline.Request{
		Scope: models.Scope{
			OrganizationID: req.OrganizationID,
			ProjectID:      req.ProjectID,
			BranchID:       req.BranchID,
		},
		ScanID:   scanID,
		Findings: req.Findings,
		Params:   params,
	})
	switch {
	case errors.Is(err, pipeline.ErrConcurrentRun):
		response.Error(w, http.StatusConflict, "RUN_ACTIVE", "Branch already has an active dedup run",
			map[string]string{"branch_id": req.BranchID.String()})
		return
	case errors.Is(err, pipeline.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	case err != nil:
		slog.Error("starting dedup run failed",
			"request_id", middleware.GetReqID(r.Context()), "branch_id", req.BranchID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start dedup run", nil)
		return
	}

	response.Accepted(w, map[string]any{
		"run_id":  run.ID,
		"scan_id": run.ScanID,
		"status":  run.Status,
	})
}

// Get handles GET /api/v1/runs/{runID}.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organization(w, r)
	if !ok {
		return
	}
	runID, ok := pathID(w, r, "runID")
	if !ok {
		return
	}

	run, err := h.store.GetRun(r.Context(), runID, orgID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "RUN_NOT_FOUND", "Run not found", nil)
		return
	}
	if err != nil {
		slog.Error("loading run failed", "run_id", runID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load run", nil)
		return
	}

	// The cache can be ahead of a row that is being finalized.
	if h.cache != nil && !run.Status.Terminal() {
		if status, found, err := h.cache.GetRunStatus(r.Context(), runID); err == nil && found && !status.Terminal() {
			run.Status = status
		}
	}
	response.JSON(w, run)
}

// ListByBranch handles GET /api/v1/branches/{branchID}/runs.
func (h *RunHandler) ListByBranch(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organization(w, r)
	if !ok {
		return
	}
	branchID, ok := pathID(w, r, "branchID")
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r, defaultListLimit, maxListLimit)
	if !ok {
		return
	}

	runs, err := h.store.ListRuns(r.Context(), store.RunFilter{
		OrganizationID: orgID,
		BranchID:       branchID,
		Limit:          limit,
	})
	if err != nil {
		slog.Error("listing runs failed", "branch_id", branchID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list runs", nil)
		return
	}
	if runs == nil {
		runs = []*models.DedupRun{}
	}
	response.List(w, runs, len(runs), limit)
}
