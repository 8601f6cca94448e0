// Package server exposes the listing registry and enrichment data over
// HTTP for the source scraper pipelines.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/propenrich/internal/address"
	"github.com/sells-group/propenrich/internal/enrich"
	"github.com/sells-group/propenrich/internal/reaper"
	"github.com/sells-group/propenrich/internal/registry"
	"github.com/sells-group/propenrich/internal/store"
)

// Server handles the HTTP API.
type Server struct {
	store    store.Store
	registry *registry.Registry
	merger   *enrich.Merger
	reaper   *reaper.Reaper
	norm     *address.Normalizer
}

// New wires the API handlers.
func New(st store.Store, reg *registry.Registry, merger *enrich.Merger, rpr *reaper.Reaper, norm *address.Normalizer) *Server {
	return &Server{store: st, registry: reg, merger: merger, reaper: rpr, norm: norm}
}

// Routes returns the API router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/listings", s.handleSubmitListing)
	r.Delete("/listings", s.handleDeleteListing)
	r.Get("/identities/{key}", s.handleGetIdentity)
	r.Post("/owners/import", s.handleImportOwners)
	r.Get("/stats", s.handleStats)
	r.Post("/reap", s.handleReap)
	return r
}

type submitRequest struct {
	Source     string            `json:"source"`
	NativeURL  string            `json:"native_url"`
	RawAddress string            `json:"raw_address"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (s *Server) handleSubmitListing(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" || req.NativeURL == "" || req.RawAddress == "" {
		writeError(w, http.StatusBadRequest, "source, native_url, and raw_address are required")
		return
	}

	rec, err := s.registry.Upsert(r.Context(), req.Source, req.NativeURL, req.RawAddress, req.Fields)
	if err != nil {
		zap.L().Error("submit listing failed",
			zap.String("source", req.Source),
			zap.String("native_url", req.NativeURL),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteListing(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	nativeURL := r.URL.Query().Get("native_url")
	if source == "" || nativeURL == "" {
		writeError(w, http.StatusBadRequest, "source and native_url query params are required")
		return
	}

	if err := s.registry.Delete(r.Context(), source, nativeURL); err != nil {
		zap.L().Error("delete listing failed",
			zap.String("source", source),
			zap.String("native_url", nativeURL),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	state, err := s.store.GetState(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "unknown identity key")
		return
	}
	owner, err := s.store.GetOwner(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"state": state,
		"owner": owner,
	})
}

type importRequest struct {
	Rows []enrich.ImportRow `json:"rows"`
}

func (s *Server) handleImportOwners(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows is required")
		return
	}

	res, err := s.merger.ImportBatch(r.Context(), req.Rows, func(raw string) (string, error) {
		norm, err := s.norm.Normalize(raw)
		if err != nil {
			return "", err
		}
		return norm.Key(), nil
	})
	if err != nil {
		zap.L().Error("owner import failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "import failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("live") != "true"
	res, err := s.reaper.Sweep(r.Context(), dryRun)
	if err != nil {
		zap.L().Error("orphan sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
