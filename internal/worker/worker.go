package worker

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/taskworker/internal/model"
)

// ErrInvalidWorker is returned when a worker lacks a task type or handler.
var ErrInvalidWorker = errors.New("invalid worker")

// Handler executes a single task. The context is cancelled only when the
// owning runner is hard-stopped; a graceful stop lets handlers finish.
type Handler func(ctx context.Context, task *model.Task) (Outcome, error)

// Outcome is what a handler reports for a successfully executed task.
type Outcome struct {
	// Status defaults to COMPLETED when empty. IN_PROGRESS together with
	// CallbackAfterSeconds asks the queue to hand the task back later.
	Status model.TaskStatus

	Output map[string]any

	CallbackAfterSeconds int64

	// Logs are attached to the task result as execution logs.
	Logs []string
}

// Completed returns a COMPLETED outcome carrying output.
func Completed(output map[string]any) Outcome {
	return Outcome{Status: model.StatusCompleted, Output: output}
}

// Worker describes the handler for one task type.
type Worker struct {
	TaskType string
	Handler  Handler

	// Domain partitions polling; empty means the default domain.
	Domain string

	// Zero values mean "use the runner default".
	Concurrency  int
	PollInterval time.Duration
	WorkerID     string

	// InputSchema is an optional JSON schema the task input must satisfy.
	InputSchema string
}

// Validate reports whether the worker can be registered.
func (w Worker) Validate() error {
	if w.TaskType == "" {
		return errors.Join(ErrInvalidWorker, errors.New("task type is required"))
	}
	if w.Handler == nil {
		return errors.Join(ErrInvalidWorker, errors.New("handler is required"))
	}
	if w.Concurrency < 0 {
		return errors.Join(ErrInvalidWorker, errors.New("concurrency must not be negative"))
	}
	return nil
}

// Key returns the registry key for the worker.
func (w Worker) Key() Key {
	return Key{TaskType: w.TaskType, Domain: w.Domain}
}

// Option configures a Worker at registration time.
type Option func(*Worker)

// WithDomain sets the polling domain.
func WithDomain(domain string) Option {
	return func(w *Worker) { w.Domain = domain }
}

// WithConcurrency sets the maximum number of tasks executing at once.
func WithConcurrency(n int) Option {
	return func(w *Worker) { w.Concurrency = n }
}

// WithPollInterval sets the pause between polling cycles.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.PollInterval = d }
}

// WithWorkerID sets the identifier reported to the queue.
func WithWorkerID(id string) Option {
	return func(w *Worker) { w.WorkerID = id }
}

// WithInputSchema requires task input to match the given JSON schema.
func WithInputSchema(schema string) Option {
	return func(w *Worker) { w.InputSchema = schema }
}

// New builds a Worker from a task type, handler and options.
func New(taskType string, h Handler, opts ...Option) Worker {
	w := Worker{TaskType: taskType, Handler: h}
	for _, o := range opts {
		o(&w)
	}
	return w
}

// Register builds a worker and adds it to reg.
func Register(reg *Registry, taskType string, h Handler, opts ...Option) error {
	return reg.Register(New(taskType, h, opts...))
}
