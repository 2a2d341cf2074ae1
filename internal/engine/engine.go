package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/taskworker/internal/events"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/runner"
	"github.com/seantiz/taskworker/internal/worker"
)

// Config configures a TaskHandler.
type Config struct {
	// Registry supplies workers registered ahead of time. Nil means
	// worker.DefaultRegistry.
	Registry *worker.Registry

	// SkipRegistry ignores Registry entirely; only Workers are run.
	SkipRegistry bool

	// Workers are run in addition to the registry's workers.
	Workers []worker.Worker

	// Listeners are attached to the shared dispatcher.
	Listeners []*events.Listener

	// Defaults are the runner options each worker's settings are layered on.
	Defaults runner.Options

	Logger *slog.Logger

	// RunnerOptions are passed to every runner after the handler's own.
	RunnerOptions []runner.Option
}

// RunnerStatus is a point-in-time view of one worker.
type RunnerStatus struct {
	TaskType     string        `json:"task_type"`
	Domain       string        `json:"domain,omitempty"`
	WorkerID     string        `json:"worker_id,omitempty"`
	Concurrency  int           `json:"concurrency"`
	PollInterval time.Duration `json:"poll_interval_ns"`
	InFlight     int           `json:"in_flight"`
	Polling      bool          `json:"polling"`
}

// TaskHandler runs one TaskRunner per worker.
type TaskHandler struct {
	client     runner.TaskClient
	workers    []worker.Worker
	dispatcher *events.Dispatcher
	logger     *slog.Logger
	defaults   runner.Options
	runnerOpts []runner.Option

	// lifecycle serializes StartWorkers and StopWorkers.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	runners []*runner.TaskRunner
	running bool
}

// NewTaskHandler collects workers and prepares the shared dispatcher. No
// polling happens until StartWorkers.
func NewTaskHandler(client runner.TaskClient, cfg Config) *TaskHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var workers []worker.Worker
	if !cfg.SkipRegistry {
		reg := cfg.Registry
		if reg == nil {
			reg = worker.DefaultRegistry
		}
		workers = append(workers, reg.All()...)
	}
	workers = append(workers, cfg.Workers...)

	if len(workers) == 0 {
		logger.Warn("no workers registered, nothing will be polled")
	}

	return &TaskHandler{
		client:     client,
		workers:    workers,
		dispatcher: events.NewDispatcher(logger, cfg.Listeners...),
		logger:     logger,
		defaults:   cfg.Defaults,
		runnerOpts: cfg.RunnerOptions,
	}
}

// Dispatcher returns the dispatcher shared by every runner. Listeners
// registered on it later receive events from that point on.
func (h *TaskHandler) Dispatcher() *events.Dispatcher {
	return h.dispatcher
}

// StartWorkers builds and starts a runner for every worker. Calling it while
// running, or while a previous stop is still draining, does nothing.
// Cancelling ctx hard-stops every runner.
func (h *TaskHandler) StartWorkers(ctx context.Context) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.Running() {
		return
	}

	runners := make([]*runner.TaskRunner, 0, len(h.workers))
	for _, w := range h.workers {
		if w.WorkerID == "" && h.defaults.WorkerID == "" {
			w.WorkerID = model.NewWorkerID()
		}
		opts := append([]runner.Option{
			runner.WithDefaults(h.defaults),
			runner.WithDispatcher(h.dispatcher),
			runner.WithLogger(h.logger),
		}, h.runnerOpts...)

		r := runner.New(w, h.client, opts...)
		r.Start(ctx)
		runners = append(runners, r)
	}

	h.mu.Lock()
	h.runners = runners
	h.running = true
	h.mu.Unlock()

	h.logger.Info("workers started", "count", len(runners))
}

// StopWorkers stops every runner concurrently and waits for in-flight tasks
// to drain. Calling it while stopped does nothing. Runners whose drain
// outlives ctx stay registered, so Running keeps reporting true and
// StartWorkers stays a no-op until a later StopWorkers sees them finish.
// Their errors are joined.
func (h *TaskHandler) StopWorkers(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.RLock()
	runners := h.runners
	running := h.running
	h.mu.RUnlock()
	if !running {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		errs     []error
		draining []*runner.TaskRunner
	)
	for _, r := range runners {
		wg.Go(func() {
			if err := r.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				draining = append(draining, r)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	h.mu.Lock()
	h.runners = draining
	h.running = len(draining) > 0
	h.mu.Unlock()

	if len(draining) > 0 {
		h.logger.Warn("workers still draining", "count", len(draining), "stopped", len(runners)-len(draining))
		return errors.Join(errs...)
	}
	h.logger.Info("workers stopped", "count", len(runners))
	return nil
}

// Running reports whether any runner is polling or still draining.
func (h *TaskHandler) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// RunningWorkerCount returns the number of active or draining runners.
func (h *TaskHandler) RunningWorkerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runners)
}

// RegisteredWorkerCount returns the number of workers the handler manages.
func (h *TaskHandler) RegisteredWorkerCount() int {
	return len(h.workers)
}

// Status describes every worker. Workers without an active runner report
// their configured values and Polling false.
func (h *TaskHandler) Status() []RunnerStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]RunnerStatus, 0, len(h.workers))
	if len(h.runners) > 0 {
		for _, r := range h.runners {
			o := r.Options()
			out = append(out, RunnerStatus{
				TaskType:     r.TaskType(),
				Domain:       o.Domain,
				WorkerID:     o.WorkerID,
				Concurrency:  o.Concurrency,
				PollInterval: o.PollInterval,
				InFlight:     r.InFlight(),
				Polling:      r.IsPolling(),
			})
		}
		return out
	}

	for _, w := range h.workers {
		out = append(out, RunnerStatus{
			TaskType:     w.TaskType,
			Domain:       w.Domain,
			WorkerID:     w.WorkerID,
			Concurrency:  w.Concurrency,
			PollInterval: w.PollInterval,
		})
	}
	return out
}
