package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskworker/internal/store"
)

// listLostResultsResponse is the JSON response for GET /v1/lost-results.
type listLostResultsResponse struct {
	LostResults []*store.LostResult `json:"lost_results"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

// redeliverResponse is the JSON response for POST /v1/lost-results/redeliver.
type redeliverResponse struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

// requireStore writes a 503 and returns false when no journal is configured.
func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "lost-result journal disabled")
		return false
	}
	return true
}

func (s *Server) handleListLostResults(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	results, total, err := s.store.ListLostResults(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list lost results", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list lost results")
		return
	}

	if results == nil {
		results = []*store.LostResult{}
	}

	s.writeJSON(w, http.StatusOK, listLostResultsResponse{
		LostResults: results,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

func (s *Server) handleLostResultStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get lost result stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetLostResult(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "id")

	lr, err := s.store.GetLostResult(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "lost result not found")
		return
	}
	if err != nil {
		s.logger.Error("get lost result", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get lost result")
		return
	}

	s.writeJSON(w, http.StatusOK, lr)
}

func (s *Server) handleDeleteLostResult(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteLostResult(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "lost result not found")
			return
		}
		s.logger.Error("delete lost result", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete lost result")
		return
	}

	s.logger.Info("lost result discarded", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	if s.redeliverer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "redelivery disabled")
		return
	}

	rep, err := s.redeliverer.RedeliverOnce(r.Context())
	if err != nil {
		s.logger.Error("redeliver lost results", "error", err)
		s.writeError(w, http.StatusInternalServerError, "redelivery failed")
		return
	}

	s.writeJSON(w, http.StatusOK, redeliverResponse{
		Delivered: rep.Delivered,
		Failed:    rep.Failed,
		Dropped:   rep.Dropped,
	})
}
