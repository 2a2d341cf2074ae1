// Package recovery periodically retries reporting task results that the
// runners gave up on. Entries come from the store journal; delivered entries
// are removed, and entries the queue rejects outright are dropped.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/seantiz/taskworker/internal/conductor"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/store"
)

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 50

	jobName       = "redeliver-lost-results"
	updateTimeout = 10 * time.Second
)

// Updater reports a task result to the queue.
type Updater interface {
	UpdateTask(ctx context.Context, result model.TaskResult) error
}

// Options configures a Redeliverer.
type Options struct {
	Interval  time.Duration
	BatchSize int
	// MaxAttempts drops an entry once it has been tried this many times.
	// Zero keeps retrying forever.
	MaxAttempts int
}

// Report summarizes one redelivery pass.
type Report struct {
	Delivered int
	Failed    int
	Dropped   int
}

// Redeliverer drains the lost-result journal on a schedule.
type Redeliverer struct {
	store   store.Store
	updater Updater
	logger  *slog.Logger
	opts    Options

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

// New creates a stopped Redeliverer.
func New(s store.Store, u Updater, opts Options, logger *slog.Logger) *Redeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Redeliverer{
		store:   s,
		updater: u,
		logger:  logger.With("component", "recovery"),
		opts:    opts,
	}
}

// Start schedules a redelivery pass every Interval, the first one
// immediately. Passes never overlap. ctx bounds every pass.
func (r *Redeliverer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scheduler != nil {
		return nil
	}

	sched, err := gocron.NewScheduler(gocron.WithLogger(r.logger))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(r.opts.Interval),
		gocron.NewTask(func() {
			if _, err := r.RedeliverOnce(ctx); err != nil {
				r.logger.Error("redelivery pass failed", "error", err)
			}
		}),
		gocron.WithName(jobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule redelivery: %w", err)
	}

	sched.Start()
	r.scheduler = sched
	r.logger.Info("redelivery scheduled", "interval", r.opts.Interval)
	return nil
}

// Stop shuts the scheduler down, waiting for a running pass to finish.
func (r *Redeliverer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scheduler == nil {
		return nil
	}
	err := r.scheduler.Shutdown()
	r.scheduler = nil
	if err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// RedeliverOnce tries to report up to BatchSize journaled results.
func (r *Redeliverer) RedeliverOnce(ctx context.Context) (Report, error) {
	var rep Report

	pending, err := r.store.PendingLostResults(ctx, r.opts.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("load pending results: %w", err)
	}

	for _, lr := range pending {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}

		uctx, cancel := context.WithTimeout(ctx, updateTimeout)
		uerr := r.updater.UpdateTask(uctx, lr.Result)
		cancel()

		switch {
		case uerr == nil:
			if err := r.store.DeleteLostResult(ctx, lr.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return rep, fmt.Errorf("delete delivered result %s: %w", lr.ID, err)
			}
			rep.Delivered++
			r.logger.Info("lost result delivered", "id", lr.ID, "task_id", lr.TaskID, "task_type", lr.TaskType)

		case rejected(uerr) || r.exhausted(lr):
			if err := r.store.DeleteLostResult(ctx, lr.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return rep, fmt.Errorf("delete undeliverable result %s: %w", lr.ID, err)
			}
			rep.Dropped++
			r.logger.Warn("dropping undeliverable lost result",
				"id", lr.ID,
				"task_id", lr.TaskID,
				"attempts", lr.Attempts+1,
				"error", uerr,
			)

		default:
			if err := r.store.RecordAttempt(ctx, lr.ID, uerr.Error()); err != nil {
				return rep, fmt.Errorf("record attempt for %s: %w", lr.ID, err)
			}
			rep.Failed++
			r.logger.Debug("lost result still undeliverable", "id", lr.ID, "task_id", lr.TaskID, "error", uerr)
		}
	}

	if len(pending) > 0 {
		r.logger.Info("redelivery pass finished",
			"delivered", rep.Delivered,
			"failed", rep.Failed,
			"dropped", rep.Dropped,
		)
	}
	return rep, nil
}

func (r *Redeliverer) exhausted(lr *store.LostResult) bool {
	return r.opts.MaxAttempts > 0 && lr.Attempts+1 >= r.opts.MaxAttempts
}

// rejected reports whether the queue refused the result in a way retrying
// cannot fix.
func rejected(err error) bool {
	var apiErr *conductor.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests &&
		apiErr.StatusCode != http.StatusRequestTimeout
}
