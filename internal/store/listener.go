package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/taskworker/internal/events"
	"github.com/seantiz/taskworker/internal/model"
)

const saveTimeout = 5 * time.Second

// NewLostResult builds a journal entry from an update failure event.
func NewLostResult(e events.TaskUpdateFailure) *LostResult {
	r := &LostResult{
		ID:                 model.NewID(),
		TaskID:             e.TaskID,
		WorkflowInstanceID: e.WorkflowInstanceID,
		TaskType:           e.TaskType,
		WorkerID:           e.WorkerID,
		Status:             e.TaskResult.Status,
		Result:             e.TaskResult,
		Attempts:           e.RetryCount,
		CreatedAt:          e.Timestamp.UTC(),
	}
	if e.Cause != nil {
		r.Error = e.Cause.Error()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return r
}

// Listener returns an event listener that journals every lost result.
func Listener(s Store, logger *slog.Logger) *events.Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &events.Listener{
		Name: "lost-result-journal",
		OnTaskUpdateFailure: func(e events.TaskUpdateFailure) error {
			ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
			defer cancel()

			r := NewLostResult(e)
			if err := s.SaveLostResult(ctx, r); err != nil {
				return fmt.Errorf("journal lost result for task %s: %w", e.TaskID, err)
			}
			logger.Info("lost result journaled", "id", r.ID, "task_id", r.TaskID, "task_type", r.TaskType)
			return nil
		},
	}
}
