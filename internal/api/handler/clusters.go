package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/findingdedup/internal/api/response"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// ClusterHandler serves the clusters of the latest successful run.
type ClusterHandler struct {
	store store.Store
}

func NewClusterHandler(st store.Store) *ClusterHandler {
	return &ClusterHandler{store: st}
}

// ListByBranch handles GET /api/v1/branches/{branchID}/clusters.
func (h *ClusterHandler) ListByBranch(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organization(w, r)
	if !ok {
		return
	}
	branchID, ok := pathID(w, r, "branchID")
	if !ok {
		return
	}

	clusters, err := h.store.ListClusters(r.Context(), store.ScopeFilter{
		OrganizationID: orgID,
		BranchID:       branchID,
	})
	if err != nil {
		slog.Error("listing clusters failed", "branch_id", branchID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list clusters", nil)
		return
	}
	if clusters == nil {
		clusters = []*models.Cluster{}
	}
	response.List(w, clusters, len(clusters), 0)
}

// Get handles GET /api/v1/clusters/{clusterID}.
func (h *ClusterHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organization(w, r)
	if !ok {
		return
	}
	clusterID, ok := pathID(w, r, "clusterID")
	if !ok {
		return
	}

	c, err := h.store.GetCluster(r.Context(), clusterID, orgID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "CLUSTER_NOT_FOUND", "Cluster not found", nil)
		return
	}
	if err != nil {
		slog.Error("loading cluster failed", "cluster_id", clusterID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load cluster", nil)
		return
	}
	response.JSON(w, c)
}
