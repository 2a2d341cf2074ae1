package worker

import (
	"log/slog"
	"sync"
)

// Key identifies a registered worker. An empty Domain is a distinct key from
// any named domain.
type Key struct {
	TaskType string
	Domain   string
}

// DefaultRegistry is the process-wide registry used by init-time
// registration. Components that need isolation take a *Registry explicitly.
var DefaultRegistry = NewRegistry(nil)

// Registry holds registered workers keyed by task type and domain.
// Registration order is preserved so that All is deterministic.
type Registry struct {
	mu      sync.RWMutex
	workers map[Key]Worker
	order   []Key
	logger  *slog.Logger
}

// NewRegistry creates an empty worker registry. A nil logger uses
// slog.Default at the time of each warning.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		workers: make(map[Key]Worker),
		logger:  logger,
	}
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// Register adds w under its task type and domain. An existing entry for the
// same key is overwritten and a warning is logged.
func (r *Registry) Register(w Worker) error {
	if err := w.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := w.Key()
	if _, exists := r.workers[key]; exists {
		r.log().Warn("worker already registered, overwriting",
			"task_type", key.TaskType,
			"domain", key.Domain,
		)
	} else {
		r.order = append(r.order, key)
	}
	r.workers[key] = w
	return nil
}

// Get returns the worker registered for the exact task type and domain.
func (r *Registry) Get(taskType, domain string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[Key{TaskType: taskType, Domain: domain}]
	return w, ok
}

// All returns every registered worker in registration order.
func (r *Registry) All() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Worker, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.workers[k])
	}
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Clear removes all registered workers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = make(map[Key]Worker)
	r.order = nil
}
