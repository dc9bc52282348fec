// Package handler implements the HTTP endpoints of the dedup API.
package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/findingdedup/internal/api/middleware"
	"github.com/kiranshivaraju/findingdedup/internal/api/response"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// organization returns the caller's organization or writes a 401.
func organization(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	orgID, ok := mw.GetOrganizationID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing organization", nil)
		return uuid.Nil, false
	}
	return orgID, true
}

// pathID parses a UUID URL parameter or writes a 400.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// queryLimit reads ?limit=, falling back to def and capping at ceiling.
func queryLimit(w http.ResponseWriter, r *http.Request, def, ceiling int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
		return 0, false
	}
	if n > ceiling {
		n = ceiling
	}
	return n, true
}
