// Package conductortest provides an in-memory Conductor task queue served
// over HTTP. It implements the endpoints used by the conductor client and
// records every update it receives, which makes it suitable both for tests
// and for running a worker locally without a real server.
package conductortest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/taskworker/internal/model"
)

const (
	maxBodySize    = 1 << 20 // 1 MB
	maxPollTimeout = 5 * time.Second
)

// PollRecord describes one batch poll received by the server.
type PollRecord struct {
	TaskType string
	Domain   string
	WorkerID string
	Count    int
	Returned int
}

type queueKey struct {
	taskType string
	domain   string
}

// Server is an in-memory task queue. It is safe for concurrent use.
type Server struct {
	router *chi.Mux
	logger *slog.Logger

	mu             sync.Mutex
	queues         map[queueKey][]string
	tasks          map[string]*model.Task
	updates        []model.TaskResult
	polls          []PollRecord
	failUpdates    int
	failPolls      int
	updateAttempts int
	changed        chan struct{}
}

// NewServer creates an empty queue server.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:  chi.NewRouter(),
		logger:  logger,
		queues:  make(map[queueKey][]string),
		tasks:   make(map[string]*model.Task),
		changed: make(chan struct{}),
	}
	s.router.Use(middleware.Recoverer)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Route("/api/tasks", func(r chi.Router) {
		r.Get("/poll/batch/{taskType}", s.handleBatchPoll)
		r.Post("/", s.handleUpdate)
		r.Post("/queue/{taskType}", s.handleEnqueue)
		r.Get("/{id}", s.handleGetTask)
	})
}

// Router returns the HTTP handler. The client base URL is <server>/api.
func (s *Server) Router() http.Handler {
	return s.router
}

// Enqueue adds a scheduled task and returns it.
func (s *Server) Enqueue(taskType, domain string, input map[string]any) *model.Task {
	t := &model.Task{
		TaskID:             model.NewID(),
		WorkflowInstanceID: model.NewID(),
		TaskType:           taskType,
		TaskDefName:        taskType,
		ReferenceTaskName:  taskType + "_ref",
		InputData:          input,
		Status:             "SCHEDULED",
		Domain:             domain,
	}
	s.EnqueueTask(t)
	return t
}

// EnqueueTask adds a copy of t as-is, which lets tests queue malformed tasks.
func (s *Server) EnqueueTask(t *model.Task) {
	stored := *t

	s.mu.Lock()
	defer s.mu.Unlock()

	key := queueKey{taskType: stored.TaskType, domain: stored.Domain}
	id := stored.TaskID
	if id == "" {
		// Tasks without an id are still stored so that they can be polled.
		id = "anon-" + model.NewID()
	}
	s.tasks[id] = &stored
	s.queues[key] = append(s.queues[key], id)
	s.notifyLocked()
}

// FailNextUpdates makes the next n update calls return 500.
func (s *Server) FailNextUpdates(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdates = n
}

// FailNextPolls makes the next n poll calls return 500.
func (s *Server) FailNextPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPolls = n
}

// Updates returns the successfully recorded results in arrival order.
func (s *Server) Updates() []model.TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TaskResult(nil), s.updates...)
}

// UpdateAttempts returns the number of update calls, including failed ones.
func (s *Server) UpdateAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAttempts
}

// Polls returns every batch poll received.
func (s *Server) Polls() []PollRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PollRecord(nil), s.polls...)
}

// Pending returns the number of queued tasks for taskType and domain.
func (s *Server) Pending(taskType, domain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[queueKey{taskType: taskType, domain: domain}])
}

// Task returns a copy of the stored task.
func (s *Server) Task(id string) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return *t, true
}

// notifyLocked wakes long-polling requests. s.mu must be held.
func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) handleBatchPoll(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "taskType")
	q := r.URL.Query()
	key := queueKey{taskType: taskType, domain: q.Get("domain")}
	count := parseIntQuery(r, "count", 1)
	if count < 1 {
		count = 1
	}
	timeout := time.Duration(parseIntQuery(r, "timeout", 0)) * time.Millisecond
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		if s.failPolls > 0 {
			s.failPolls--
			s.mu.Unlock()
			s.writeError(w, http.StatusInternalServerError, "injected poll failure")
			return
		}
		ids := s.queues[key]
		if len(ids) > 0 || timeout == 0 {
			n := min(count, len(ids))
			out := make([]model.Task, 0, n)
			for _, id := range ids[:n] {
				t := s.tasks[id]
				t.Status = model.StatusInProgress
				t.WorkerID = q.Get("workerid")
				t.PollCount++
				out = append(out, *t)
			}
			s.queues[key] = ids[n:]
			s.polls = append(s.polls, PollRecord{
				TaskType: taskType,
				Domain:   key.domain,
				WorkerID: q.Get("workerid"),
				Count:    count,
				Returned: n,
			})
			s.mu.Unlock()
			s.writeJSON(w, http.StatusOK, out)
			return
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			timeout = 0
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var res model.TaskResult
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateAttempts++
	if s.failUpdates > 0 {
		s.failUpdates--
		s.writeError(w, http.StatusInternalServerError, "injected update failure")
		return
	}

	t, ok := s.tasks[res.TaskID]
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if res.Status != "" && !res.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	t.Status = res.Status
	s.updates = append(s.updates, res)
	s.logger.Debug("task updated", "task_id", res.TaskID, "status", res.Status)

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.TaskID))
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t := s.Enqueue(chi.URLParam(r, "taskType"), r.URL.Query().Get("domain"), input)
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Task(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
