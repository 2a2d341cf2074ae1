package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/seantiz/taskworker/internal/api"
	"github.com/seantiz/taskworker/internal/conductor"
	"github.com/seantiz/taskworker/internal/config"
	"github.com/seantiz/taskworker/internal/engine"
	"github.com/seantiz/taskworker/internal/events"
	"github.com/seantiz/taskworker/internal/eventsink"
	"github.com/seantiz/taskworker/internal/metrics"
	"github.com/seantiz/taskworker/internal/recovery"
	"github.com/seantiz/taskworker/internal/runner"
	"github.com/seantiz/taskworker/internal/store"
	"github.com/seantiz/taskworker/internal/worker"
)

const shutdownTimeout = 30 * time.Second

// app holds every long-lived component of the worker process.
type app struct {
	logger      *slog.Logger
	client      *conductor.Client
	store       *store.SQLiteStore
	broker      *api.EventBroker
	sink        *eventsink.Sink
	handler     *engine.TaskHandler
	redeliverer *recovery.Redeliverer
	server      *api.Server
}

// newApp wires the components described by cfg. ctx is the context workers
// started later through the ops API run under.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	clientOpts := []conductor.Option{
		conductor.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
	}
	if cfg.AuthToken != "" {
		clientOpts = append(clientOpts, conductor.WithAuthToken(cfg.AuthToken))
	}
	client := conductor.NewClient(cfg.ConductorURL, clientOpts...)

	reg := worker.NewRegistry(logger)
	if err := registerWorkers(reg); err != nil {
		return nil, fmt.Errorf("register workers: %w", err)
	}
	taskTypes := make([]string, 0, reg.Len())
	for _, w := range reg.All() {
		taskTypes = append(taskTypes, w.TaskType)
	}
	metrics.Preinit(taskTypes...)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open lost-result journal: %w", err)
	}

	a := &app{
		logger: logger,
		client: client,
		store:  db,
		broker: api.NewEventBroker(),
	}

	listeners := []*events.Listener{
		metrics.Listener(),
		store.Listener(db, logger),
		a.broker.Listener(),
	}
	if len(cfg.KafkaBrokers) > 0 {
		writer := eventsink.NewWriter(eventsink.WriterConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}, logger)
		a.sink = eventsink.New(writer, eventsink.Options{}, logger)
		listeners = append(listeners, a.sink.Listener())
	}

	a.handler = engine.NewTaskHandler(client, engine.Config{
		Registry:  reg,
		Listeners: listeners,
		Defaults: runner.Options{
			WorkerID:         cfg.WorkerID,
			Domain:           cfg.Domain,
			PollInterval:     cfg.PollInterval,
			Concurrency:      cfg.Concurrency,
			BatchPollTimeout: cfg.BatchPollTimeout,
		},
		Logger: logger,
		RunnerOptions: []runner.Option{
			runner.WithMaxRetries(cfg.UpdateRetries),
			runner.WithRetryDelay(cfg.UpdateRetryDelay),
		},
	})

	a.redeliverer = recovery.New(db, client, recovery.Options{
		Interval: cfg.RedeliveryInterval,
	}, logger)

	a.server = api.NewServer(cfg.ListenAddr, a.handler, logger,
		api.WithStore(db),
		api.WithEventBroker(a.broker),
		api.WithRedeliverer(a.redeliverer),
		api.WithBaseContext(ctx),
	)

	return a, nil
}

// start begins polling and schedules lost-result redelivery.
func (a *app) start(ctx context.Context) error {
	a.handler.StartWorkers(ctx)
	if err := a.redeliverer.Start(ctx); err != nil {
		return fmt.Errorf("start redelivery: %w", err)
	}
	return nil
}

// shutdown drains the workers, then releases everything they report into.
// If some workers are still draining when ctx ends, the event sink and the
// journal stay open so their results can still be recorded before exit.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.handler.StopWorkers(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.redeliverer.Stop(); err != nil {
		errs = append(errs, err)
	}
	a.broker.Close()

	if a.handler.Running() {
		a.logger.Warn("taskworker: workers still draining, leaving journal open")
		return errors.Join(errs...)
	}

	if a.sink != nil {
		if err := a.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event sink: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	a.logger.Info("taskworker: stopped")
	return errors.Join(errs...)
}
