package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/api/response"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/kiranshivaraju/findingdedup/internal/vectorindex"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

const (
	defaultSimilarLimit = 10
	maxSimilarLimit     = 50
)

// SimilarFinding is one nearest-neighbour hit.
type SimilarFinding struct {
	Finding *models.Finding `json:"finding"`
	Score   float64         `json:"score"`
}

// SimilarHandler looks up the nearest open findings on the same branch
// through the vector mirror.
type SimilarHandler struct {
	store store.Store
	index vectorindex.Index
	model string
}

// NewSimilarHandler creates a SimilarHandler. A nil index disables the
// endpoint. model is the embedding model whose vectors were mirrored.
func NewSimilarHandler(st store.Store, idx vectorindex.Index, model string) *SimilarHandler {
	return &SimilarHandler{store: st, index: idx, model: model}
}

// List handles GET /api/v1/findings/{findingID}/similar.
func (h *SimilarHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		response.Error(w, http.StatusServiceUnavailable, "VECTOR_INDEX_DISABLED", "Vector index is not configured", nil)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}
	findingID, ok := pathID(w, r, "findingID")
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r, defaultSimilarLimit, maxSimilarLimit)
	if !ok {
		return
	}

	f, err := h.store.GetFinding(r.Context(), findingID, orgID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "FINDING_NOT_FOUND", "Finding not found", nil)
		return
	}
	if err != nil {
		slog.Error("loading finding failed", "finding_id", findingID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load finding", nil)
		return
	}

	embs, err := h.store.GetEmbeddings(r.Context(), h.model, []uuid.UUID{findingID})
	if err != nil {
		slog.Error("loading embedding failed", "finding_id", findingID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load embedding", nil)
		return
	}
	emb, ok := embs[findingID]
	if !ok {
		response.Error(w, http.StatusNotFound, "EMBEDDING_NOT_FOUND", "Finding has not been embedded yet", nil)
		return
	}

	matches, err := h.index.Similar(r.Context(), f.Scope(), emb.Vector, findingID, limit)
	if err != nil {
		slog.Error("vector search failed", "finding_id", findingID, "error", err)
		response.Error(w, http.StatusBadGateway, "VECTOR_INDEX_ERROR", "Vector search failed", nil)
		return
	}

	out := make([]SimilarFinding, 0, len(matches))
	for _, m := range matches {
		other, err := h.store.GetFinding(r.Context(), m.FindingID, orgID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Error("loading similar finding failed", "finding_id", m.FindingID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load finding", nil)
			return
		}
		// the mirror keeps resolved findings until they are overwritten
		if !other.IsOpen() {
			continue
		}
		out = append(out, SimilarFinding{Finding: other, Score: m.Score})
	}
	response.List(w, out, len(out), limit)
}
