package api

import (
	"net/http"
)

type healthResponse struct {
	Status         string `json:"status"`
	WorkersRunning bool   `json:"workers_running"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		WorkersRunning: s.handler.Running(),
	})
}
