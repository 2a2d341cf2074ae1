// Package store persists task results that could not be reported to the
// queue, so they can be inspected and redelivered later.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/taskworker/internal/model"
)

// ErrNotFound is returned when a lost result is not found.
var ErrNotFound = errors.New("lost result not found")

// LostResult is a task result the runner gave up reporting.
type LostResult struct {
	ID                 string           `json:"id"`
	TaskID             string           `json:"task_id"`
	WorkflowInstanceID string           `json:"workflow_instance_id"`
	TaskType           string           `json:"task_type"`
	WorkerID           string           `json:"worker_id"`
	Status             model.TaskStatus `json:"status"`
	Result             model.TaskResult `json:"result"`
	// Error is the most recent delivery error.
	Error string `json:"error"`
	// Attempts counts delivery attempts, including the runner's own.
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// Stats holds aggregate counts over the journal.
type Stats struct {
	Total         int            `json:"total"`
	CountByType   map[string]int `json:"count_by_task_type"`
	CountByStatus map[string]int `json:"count_by_status"`
	MaxAttempts   int            `json:"max_attempts"`
}

// Store defines the persistence operations for lost results.
type Store interface {
	SaveLostResult(ctx context.Context, r *LostResult) error
	GetLostResult(ctx context.Context, id string) (*LostResult, error)
	ListLostResults(ctx context.Context, limit, offset int) ([]*LostResult, int, error)
	// PendingLostResults returns up to limit entries, oldest first.
	PendingLostResults(ctx context.Context, limit int) ([]*LostResult, error)
	RecordAttempt(ctx context.Context, id string, errMsg string) error
	DeleteLostResult(ctx context.Context, id string) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
