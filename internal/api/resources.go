package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gc3pie/gridrun/internal/backend"
)

func (s *Server) handleListResources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Resources())
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	res, err := s.registry.Resource(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// selectResourcesRequest is the JSON body for POST /v1/resources/select.
// Pattern is a shell glob matched against resource names; resources that do
// not match are disabled. Selection only ever narrows the enabled set.
type selectResourcesRequest struct {
	Pattern string `json:"pattern"`
}

type selectResourcesResponse struct {
	Enabled int `json:"enabled"`
}

func (s *Server) handleSelectResources(w http.ResponseWriter, r *http.Request) {
	var req selectResourcesRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Pattern == "" {
		s.writeError(w, http.StatusBadRequest, "pattern is required")
		return
	}

	enabled := s.registry.Select(backend.ByGlob(req.Pattern))
	s.writeJSON(w, http.StatusOK, selectResourcesResponse{Enabled: enabled})
}
