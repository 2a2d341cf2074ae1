package api

import (
	"net/http"

	"github.com/seantiz/taskworker/internal/engine"
)

// workersResponse is the JSON response for the /v1/workers endpoints.
type workersResponse struct {
	Running      bool                  `json:"running"`
	Registered   int                   `json:"registered"`
	RunningCount int                   `json:"running_count"`
	Workers      []engine.RunnerStatus `json:"workers"`
}

func (s *Server) workersStatus() workersResponse {
	workers := s.handler.Status()
	if workers == nil {
		workers = []engine.RunnerStatus{}
	}
	return workersResponse{
		Running:      s.handler.Running(),
		Registered:   s.handler.RegisteredWorkerCount(),
		RunningCount: s.handler.RunningWorkerCount(),
		Workers:      workers,
	}
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.workersStatus())
}

func (s *Server) handleStartWorkers(w http.ResponseWriter, r *http.Request) {
	s.handler.StartWorkers(s.baseCtx)
	s.writeJSON(w, http.StatusOK, s.workersStatus())
}

func (s *Server) handleStopWorkers(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.StopWorkers(r.Context()); err != nil {
		// Runners that outlived the request keep draining; report them.
		s.logger.Warn("stop workers", "error", err)
		s.writeJSON(w, http.StatusAccepted, s.workersStatus())
		return
	}
	s.writeJSON(w, http.StatusOK, s.workersStatus())
}
