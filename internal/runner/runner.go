// Package runner binds one worker to the remote task queue. A TaskRunner
// owns a poller whose fetch step batch-polls the queue and whose execute step
// runs the worker's handler, classifies the outcome and reports it back with
// bounded retries. Every step is published to an events.Dispatcher.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/taskworker/internal/conductor"
	"github.com/seantiz/taskworker/internal/events"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/poller"
	"github.com/seantiz/taskworker/internal/validation"
	"github.com/seantiz/taskworker/internal/worker"
)

// Defaults for values not set by options or the worker.
const (
	DefaultBatchPollTimeout = 100 * time.Millisecond
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = 10 * time.Second

	unknownErrorReason = "an unknown error occurred"
)

// TaskClient is the part of the queue API a runner needs.
type TaskClient interface {
	BatchPoll(ctx context.Context, req conductor.BatchPollRequest) ([]model.Task, error)
	UpdateTask(ctx context.Context, result model.TaskResult) error
}

// ErrorHandler is called after every failed update attempt.
type ErrorHandler func(err error, result model.TaskResult, attempt int)

// Options are the per-runner polling settings. Zero fields fall back to the
// package defaults when a runner is built.
type Options struct {
	WorkerID         string
	Domain           string
	PollInterval     time.Duration
	Concurrency      int
	BatchPollTimeout time.Duration
}

// overlay returns o with every non-zero field of top applied.
func (o Options) overlay(top Options) Options {
	if top.WorkerID != "" {
		o.WorkerID = top.WorkerID
	}
	if top.Domain != "" {
		o.Domain = top.Domain
	}
	if top.PollInterval > 0 {
		o.PollInterval = top.PollInterval
	}
	if top.Concurrency > 0 {
		o.Concurrency = top.Concurrency
	}
	if top.BatchPollTimeout > 0 {
		o.BatchPollTimeout = top.BatchPollTimeout
	}
	return o
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = poller.DefaultPollInterval
	}
	if o.Concurrency < 1 {
		o.Concurrency = poller.DefaultConcurrency
	}
	if o.BatchPollTimeout <= 0 {
		o.BatchPollTimeout = DefaultBatchPollTimeout
	}
	if o.WorkerID == "" {
		o.WorkerID = model.NewWorkerID()
	}
	return o
}

type settings struct {
	defaults     Options
	dispatcher   *events.Dispatcher
	logger       *slog.Logger
	maxRetries   int
	retryDelay   time.Duration
	errorHandler ErrorHandler
}

// Option configures a TaskRunner.
type Option func(*settings)

// WithDefaults sets the options a worker's own settings are layered on.
func WithDefaults(o Options) Option {
	return func(s *settings) { s.defaults = o }
}

// WithDispatcher sets where lifecycle events are published.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(s *settings) { s.dispatcher = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMaxRetries sets the number of update attempts per result.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// WithRetryDelay sets the base delay between update attempts. The wait
// after attempt k is k times the base.
func WithRetryDelay(d time.Duration) Option {
	return func(s *settings) { s.retryDelay = d }
}

// WithErrorHandler sets the callback invoked on each failed update attempt.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *settings) { s.errorHandler = h }
}

// TaskRunner polls, executes and reports tasks for a single worker.
type TaskRunner struct {
	worker     worker.Worker
	client     TaskClient
	dispatcher *events.Dispatcher
	logger     *slog.Logger

	maxRetries   int
	retryDelay   time.Duration
	errorHandler ErrorHandler

	schema    *validation.Schema
	schemaErr error

	mu     sync.RWMutex
	opts   Options
	poller *poller.Poller[model.Task]
}

// New builds an idle runner for w. Effective options are the defaults from
// WithDefaults, overridden by whatever w sets itself.
func New(w worker.Worker, client TaskClient, opts ...Option) *TaskRunner {
	s := settings{
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, o := range opts {
		o(&s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxRetries < 1 {
		s.maxRetries = 1
	}
	if s.retryDelay < 0 {
		s.retryDelay = 0
	}

	effective := s.defaults.overlay(Options{
		WorkerID:     w.WorkerID,
		Domain:       w.Domain,
		PollInterval: w.PollInterval,
		Concurrency:  w.Concurrency,
	}).withDefaults()

	r := &TaskRunner{
		worker:       w,
		client:       client,
		dispatcher:   s.dispatcher,
		maxRetries:   s.maxRetries,
		retryDelay:   s.retryDelay,
		errorHandler: s.errorHandler,
		opts:         effective,
	}
	r.logger = s.logger.With("task_type", w.TaskType, "worker_id", effective.WorkerID)
	if effective.Domain != "" {
		r.logger = r.logger.With("domain", effective.Domain)
	}

	r.schema, r.schemaErr = validation.Compile(w.InputSchema)
	if r.schemaErr != nil {
		r.logger.Error("invalid input schema, every task will fail", "error", r.schemaErr)
	}

	r.poller = poller.New(w.TaskType, r.batchPoll, r.execute,
		poller.Options{PollInterval: effective.PollInterval, Concurrency: effective.Concurrency}, r.logger)
	return r
}

// Start begins polling. It is a no-op if the runner is already polling.
func (r *TaskRunner) Start(ctx context.Context) {
	r.poller.Start(ctx)
	r.logger.Info("task runner started",
		"concurrency", r.Options().Concurrency,
		"poll_interval", r.Options().PollInterval,
	)
}

// Stop stops polling and waits for in-flight tasks to be executed and
// reported, or for ctx to end.
func (r *TaskRunner) Stop(ctx context.Context) error {
	if err := r.poller.Stop(ctx); err != nil {
		return fmt.Errorf("stop %s runner: %w", r.worker.TaskType, err)
	}
	r.logger.Info("task runner stopped")
	return nil
}

// IsPolling reports whether the polling loop is running.
func (r *TaskRunner) IsPolling() bool {
	return r.poller.IsPolling()
}

// InFlight returns the number of tasks currently executing or reporting.
func (r *TaskRunner) InFlight() int {
	return r.poller.InFlight()
}

// TaskType returns the worker's task type.
func (r *TaskRunner) TaskType() string {
	return r.worker.TaskType
}

// WorkerID returns the identifier reported to the queue.
func (r *TaskRunner) WorkerID() string {
	return r.Options().WorkerID
}

// Options returns the effective options.
func (r *TaskRunner) Options() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts
}

// UpdateOptions applies the non-zero fields of update and reports whether
// anything changed. The poller is only reconfigured when the poll interval or
// concurrency differ.
func (r *TaskRunner) UpdateOptions(update Options) bool {
	r.mu.Lock()
	prev := r.opts
	next := prev.overlay(update)
	r.opts = next
	r.mu.Unlock()

	if next == prev {
		return false
	}
	if next.PollInterval != prev.PollInterval || next.Concurrency != prev.Concurrency {
		r.poller.UpdateOptions(poller.Options{PollInterval: next.PollInterval, Concurrency: next.Concurrency})
	}
	return true
}

func (r *TaskRunner) header() events.Header {
	return events.Header{TaskType: r.worker.TaskType, Timestamp: time.Now()}
}

func (r *TaskRunner) taskHeader(t *model.Task, workerID string) events.TaskHeader {
	return events.TaskHeader{
		Header:             r.header(),
		TaskID:             t.TaskID,
		WorkerID:           workerID,
		WorkflowInstanceID: t.WorkflowInstanceID,
	}
}

// batchPoll is the poller's fetch step.
func (r *TaskRunner) batchPoll(ctx context.Context, count int) ([]model.Task, error) {
	o := r.Options()
	r.dispatcher.PublishPollStarted(events.PollStarted{
		Header:    r.header(),
		WorkerID:  o.WorkerID,
		PollCount: count,
	})

	start := time.Now()
	tasks, err := r.client.BatchPoll(ctx, conductor.BatchPollRequest{
		TaskType: r.worker.TaskType,
		Domain:   o.Domain,
		WorkerID: o.WorkerID,
		Count:    count,
		Timeout:  o.BatchPollTimeout,
	})
	elapsed := time.Since(start)
	if err != nil {
		r.dispatcher.PublishPollFailure(events.PollFailure{Header: r.header(), Duration: elapsed, Cause: err})
		return nil, err
	}

	r.dispatcher.PublishPollCompleted(events.PollCompleted{
		Header:        r.header(),
		Duration:      elapsed,
		TasksReceived: len(tasks),
	})
	return tasks, nil
}

// execute is the poller's execute step. It never returns an error: every
// failure becomes a reported result, an event, or a log line.
func (r *TaskRunner) execute(ctx context.Context, task model.Task) {
	if task.TaskID == "" || task.WorkflowInstanceID == "" {
		r.logger.Error("dropping malformed task",
			"task_id", task.TaskID,
			"workflow_instance_id", task.WorkflowInstanceID,
		)
		return
	}

	workerID := r.WorkerID()
	r.dispatcher.PublishTaskExecutionStarted(events.TaskExecutionStarted{TaskHeader: r.taskHeader(&task, workerID)})

	start := time.Now()
	outcome, err := r.invoke(ctx, &task)
	elapsed := time.Since(start)
	if err == nil && outcome.Status != "" && !reportable(outcome.Status) {
		err = fmt.Errorf("handler returned invalid status %q", outcome.Status)
	}

	result := model.TaskResult{
		TaskID:             task.TaskID,
		WorkflowInstanceID: task.WorkflowInstanceID,
		WorkerID:           workerID,
	}

	if err != nil {
		terminal := worker.IsTerminal(err)
		r.dispatcher.PublishTaskExecutionFailure(events.TaskExecutionFailure{
			TaskHeader: r.taskHeader(&task, workerID),
			Duration:   elapsed,
			Terminal:   terminal,
			Cause:      err,
		})
		r.logger.Warn("task execution failed",
			"task_id", task.TaskID,
			"terminal", terminal,
			"error", err,
		)

		result.Status = model.StatusFailed
		if terminal {
			result.Status = model.StatusFailedWithTerminalError
		}
		result.OutputData = map[string]any{}
		result.ReasonForIncompletion = reason(err)
	} else {
		r.dispatcher.PublishTaskExecutionCompleted(events.TaskExecutionCompleted{
			TaskHeader: r.taskHeader(&task, workerID),
			Duration:   elapsed,
			OutputSize: outputSize(outcome.Output),
		})
		r.logger.Debug("task executed", "task_id", task.TaskID, "duration", elapsed)

		result.Status = outcome.Status
		if result.Status == "" {
			result.Status = model.StatusCompleted
		}
		result.OutputData = outcome.Output
		if result.OutputData == nil {
			result.OutputData = map[string]any{}
		}
		result.CallbackAfterSeconds = outcome.CallbackAfterSeconds
		for _, line := range outcome.Logs {
			result.Logs = append(result.Logs, model.NewTaskExecLog(task.TaskID, line))
		}
	}

	r.update(ctx, result)
}

// invoke validates the input and runs the handler, turning a panic into an
// ordinary error.
func (r *TaskRunner) invoke(ctx context.Context, task *model.Task) (out worker.Outcome, err error) {
	if r.schemaErr != nil {
		return worker.Outcome{}, worker.NewTerminalError(r.schemaErr)
	}
	if err := r.schema.Validate(task.InputData); err != nil {
		return worker.Outcome{}, worker.NewTerminalError(err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.worker.Handler(ctx, task)
}

// update reports result, retrying with a linearly growing delay. When every
// attempt fails, or ctx ends between attempts, the result is lost and a
// TaskUpdateFailure is published.
func (r *TaskRunner) update(ctx context.Context, result model.TaskResult) {
	var (
		err         error
		attempts    int
		interrupted bool
	)
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		attempts = attempt
		if err = r.client.UpdateTask(ctx, result); err == nil {
			return
		}

		if r.errorHandler != nil {
			r.errorHandler(err, result, attempt)
		}
		r.logger.Warn("task update failed",
			"task_id", result.TaskID,
			"attempt", attempt,
			"max_attempts", r.maxRetries,
			"error", err,
		)

		if attempt < r.maxRetries && !sleep(ctx, time.Duration(attempt)*r.retryDelay) {
			interrupted = true
			break
		}
	}

	r.dispatcher.PublishTaskUpdateFailure(events.TaskUpdateFailure{
		TaskHeader: events.TaskHeader{
			Header:             r.header(),
			TaskID:             result.TaskID,
			WorkerID:           result.WorkerID,
			WorkflowInstanceID: result.WorkflowInstanceID,
		},
		RetryCount:  attempts,
		Interrupted: interrupted,
		TaskResult:  result,
		Cause:       err,
	})

	msg := "task result lost after retries"
	if interrupted {
		msg = "task result lost, retries interrupted by shutdown"
	}
	r.logger.Error(msg,
		"task_id", result.TaskID,
		"workflow_instance_id", result.WorkflowInstanceID,
		"status", result.Status,
		"retry_count", attempts,
		"error", err,
	)
}

// reportable reports whether a handler may hand status back for a task the
// queue holds IN_PROGRESS.
func reportable(status model.TaskStatus) bool {
	return status == model.StatusInProgress || model.ValidTransition(model.StatusInProgress, status)
}

// sleep waits for d or until ctx ends, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func reason(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return unknownErrorReason
}

// outputSize returns the JSON-encoded size of output, or -1 if it cannot be
// encoded.
func outputSize(output map[string]any) int {
	b, err := json.Marshal(output)
	if err != nil {
		return -1
	}
	return len(b)
}
