package events

import (
	"time"

	"github.com/seantiz/taskworker/internal/model"
)

// Kind names an event type.
type Kind string

// Event kinds.
const (
	KindPollStarted            Kind = "poll_started"
	KindPollCompleted          Kind = "poll_completed"
	KindPollFailure            Kind = "poll_failure"
	KindTaskExecutionStarted   Kind = "task_execution_started"
	KindTaskExecutionCompleted Kind = "task_execution_completed"
	KindTaskExecutionFailure   Kind = "task_execution_failure"
	KindTaskUpdateFailure      Kind = "task_update_failure"
)

// Event is implemented by every lifecycle event.
type Event interface {
	Kind() Kind
	Meta() Header
}

// Header carries the fields common to all events.
type Header struct {
	TaskType  string    `json:"taskType"`
	Timestamp time.Time `json:"timestamp"`
}

// Meta returns h itself so embedding types satisfy Event.
func (h Header) Meta() Header { return h }

// TaskHeader carries the fields common to execution and update events.
type TaskHeader struct {
	Header
	TaskID             string `json:"taskId"`
	WorkerID           string `json:"workerId"`
	WorkflowInstanceID string `json:"workflowInstanceId"`
}

// PollStarted is published before a batch poll is issued.
type PollStarted struct {
	Header
	WorkerID  string `json:"workerId"`
	PollCount int    `json:"pollCount"`
}

func (PollStarted) Kind() Kind { return KindPollStarted }

// PollCompleted is published after a batch poll returns successfully.
type PollCompleted struct {
	Header
	Duration      time.Duration `json:"duration"`
	TasksReceived int           `json:"tasksReceived"`
}

func (PollCompleted) Kind() Kind { return KindPollCompleted }

// PollFailure is published when a batch poll fails.
type PollFailure struct {
	Header
	Duration time.Duration `json:"duration"`
	Cause    error         `json:"-"`
}

func (PollFailure) Kind() Kind { return KindPollFailure }

// TaskExecutionStarted is published before the handler runs.
type TaskExecutionStarted struct {
	TaskHeader
}

func (TaskExecutionStarted) Kind() Kind { return KindTaskExecutionStarted }

// TaskExecutionCompleted is published after the handler returns without error.
// OutputSize is the JSON-encoded size of the output, or -1 if unknown.
type TaskExecutionCompleted struct {
	TaskHeader
	Duration   time.Duration `json:"duration"`
	OutputSize int           `json:"outputSizeBytes"`
}

func (TaskExecutionCompleted) Kind() Kind { return KindTaskExecutionCompleted }

// TaskExecutionFailure is published after the handler fails.
type TaskExecutionFailure struct {
	TaskHeader
	Duration time.Duration `json:"duration"`
	Terminal bool          `json:"terminal"`
	Cause    error         `json:"-"`
}

func (TaskExecutionFailure) Kind() Kind { return KindTaskExecutionFailure }

// TaskUpdateFailure is published when a result could not be reported. The
// result is lost from the queue's point of view. RetryCount is the number of
// attempts made; it is below the configured maximum only when Interrupted is
// set, meaning the engine's context ended during a backoff.
type TaskUpdateFailure struct {
	TaskHeader
	RetryCount  int              `json:"retryCount"`
	Interrupted bool             `json:"interrupted,omitempty"`
	TaskResult  model.TaskResult `json:"taskResult"`
	Cause       error            `json:"-"`
}

func (TaskUpdateFailure) Kind() Kind { return KindTaskUpdateFailure }

// Cause returns the error carried by e, if any.
func Cause(e Event) error {
	switch ev := e.(type) {
	case PollFailure:
		return ev.Cause
	case TaskExecutionFailure:
		return ev.Cause
	case TaskUpdateFailure:
		return ev.Cause
	}
	return nil
}

// Record is the serializable form of an event used by sinks.
type Record struct {
	Kind      Kind      `json:"kind"`
	TaskType  string    `json:"taskType"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Event     Event     `json:"event"`
}

// NewRecord wraps e for serialization.
func NewRecord(e Event) Record {
	h := e.Meta()
	r := Record{
		Kind:      e.Kind(),
		TaskType:  h.TaskType,
		Timestamp: h.Timestamp,
		Event:     e,
	}
	if err := Cause(e); err != nil {
		r.Error = err.Error()
	}
	return r
}
