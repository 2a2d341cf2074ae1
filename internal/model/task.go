package model

import "time"

// TaskStatus is the state of a task as reported to the remote queue.
type TaskStatus string

// Task status constants. Values match the Conductor REST API.
const (
	StatusInProgress              TaskStatus = "IN_PROGRESS"
	StatusCompleted               TaskStatus = "COMPLETED"
	StatusFailed                  TaskStatus = "FAILED"
	StatusFailedWithTerminalError TaskStatus = "FAILED_WITH_TERMINAL_ERROR"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusInProgress: {
		StatusCompleted:               true,
		StatusFailed:                  true,
		StatusFailedWithTerminalError: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to TaskStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further status may follow s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFailedWithTerminalError:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	return s == StatusInProgress || s.IsTerminal()
}

// Task is a unit of work pulled from the remote queue. It is read-only to the
// engine.
type Task struct {
	TaskID                 string         `json:"taskId"`
	WorkflowInstanceID     string         `json:"workflowInstanceId"`
	TaskType               string         `json:"taskType"`
	TaskDefName            string         `json:"taskDefName,omitempty"`
	ReferenceTaskName      string         `json:"referenceTaskName,omitempty"`
	InputData              map[string]any `json:"inputData,omitempty"`
	Status                 TaskStatus     `json:"status,omitempty"`
	Domain                 string         `json:"domain,omitempty"`
	WorkerID               string         `json:"workerId,omitempty"`
	PollCount              int            `json:"pollCount,omitempty"`
	RetryCount             int            `json:"retryCount,omitempty"`
	CallbackAfterSeconds   int64          `json:"callbackAfterSeconds,omitempty"`
	ResponseTimeoutSeconds int64          `json:"responseTimeoutSeconds,omitempty"`
}

// TaskExecLog is a single log line attached to a task result.
type TaskExecLog struct {
	Log         string `json:"log"`
	TaskID      string `json:"taskId,omitempty"`
	CreatedTime int64  `json:"createdTime"`
}

// NewTaskExecLog stamps a log line with the current time in milliseconds.
func NewTaskExecLog(taskID, line string) TaskExecLog {
	return TaskExecLog{
		Log:         line,
		TaskID:      taskID,
		CreatedTime: time.Now().UnixMilli(),
	}
}

// TaskResult is the outcome of executing a Task, sent back to the remote queue.
type TaskResult struct {
	TaskID                string         `json:"taskId"`
	WorkflowInstanceID    string         `json:"workflowInstanceId"`
	WorkerID              string         `json:"workerId,omitempty"`
	Status                TaskStatus     `json:"status"`
	OutputData            map[string]any `json:"outputData"`
	ReasonForIncompletion string         `json:"reasonForIncompletion,omitempty"`
	CallbackAfterSeconds  int64          `json:"callbackAfterSeconds,omitempty"`
	Logs                  []TaskExecLog  `json:"logs,omitempty"`
}
