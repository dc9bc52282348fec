package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	mw "github.com/kiranshivaraju/findingdedup/internal/api/middleware"
	"github.com/kiranshivaraju/findingdedup/internal/api/response"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// KeyHandler manages the API keys of the caller's organization.
type KeyHandler struct {
	store store.Store
}

func NewKeyHandler(st store.Store) *KeyHandler {
	return &KeyHandler{store: st}
}

// Create handles POST /api/v1/admin/keys. The raw key is only returned here.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organization(w, r)
	if !ok {
		return
	}
	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	rawKey, key, err := mw.IssueKey(orgID, req.Name, req.Scopes)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		slog.Error("creating api key failed", "organization_id", orgID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key", nil)
		return
	}

	slog.Info("api key created", "organization_id", orgID, "key_prefix", key.KeyPrefix)
	response.Created(w, map[string]any{
		"key":     rawKey,
		"api_key": key,
	})
}

// List handles GET /api/v1/admin/keys.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organization(w, r)
	if !ok {
		return
	}
	keys, err := h.store.ListAPIKeys(r.Context(), orgID)
	if err != nil {
		slog.Error("listing api keys failed", "organization_id", orgID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list API keys", nil)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.List(w, keys, len(keys), 0)
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organization(w, r)
	if !ok {
		return
	}
	keyID, ok := pathID(w, r, "keyID")
	if !ok {
		return
	}

	err := h.store.RevokeAPIKey(r.Context(), keyID, orgID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
		return
	}
	if err != nil {
		slog.Error("revoking api key failed", "key_id", keyID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke API key", nil)
		return
	}
	response.NoContent(w)
}
