// Package poller implements a concurrency-bounded polling loop. Each cycle
// asks a fetch function for as many items as there are free execution slots,
// hands every item to an execute function on its own goroutine, and sleeps
// for the poll interval.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults applied to zero or invalid options.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultConcurrency  = 1
)

// State is the lifecycle state of a Poller.
type State int32

// Poller states. A poller moves Idle → Polling → Stopping → Idle.
const (
	StateIdle State = iota
	StatePolling
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// FetchFunc returns up to count items. Returning fewer is not an error.
type FetchFunc[T any] func(ctx context.Context, count int) ([]T, error)

// ExecuteFunc processes one item. It must contain its own failures.
type ExecuteFunc[T any] func(ctx context.Context, item T)

// Options controls the pace and width of polling.
type Options struct {
	PollInterval time.Duration
	Concurrency  int
}

func (o Options) normalize() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Concurrency < 1 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// Poller runs the polling loop for one source of items.
type Poller[T any] struct {
	name    string
	fetch   FetchFunc[T]
	execute ExecuteFunc[T]
	logger  *slog.Logger

	opts atomic.Pointer[Options]

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}

	inFlight atomic.Int64
	freed    chan struct{}
	wg       sync.WaitGroup
}

// New creates an idle poller. name is used in log lines.
func New[T any](name string, fetch FetchFunc[T], execute ExecuteFunc[T], opts Options, logger *slog.Logger) *Poller[T] {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller[T]{
		name:    name,
		fetch:   fetch,
		execute: execute,
		logger:  logger,
		freed:   make(chan struct{}, 1),
	}
	o := opts.normalize()
	p.opts.Store(&o)
	return p
}

// Options returns the options in effect.
func (p *Poller[T]) Options() Options {
	return *p.opts.Load()
}

// UpdateOptions replaces the options and reports whether anything changed.
// The new values take effect from the next cycle.
func (p *Poller[T]) UpdateOptions(opts Options) bool {
	next := opts.normalize()
	if next == p.Options() {
		return false
	}
	p.opts.Store(&next)
	p.logger.Info("poller options updated",
		"poller", p.name,
		"poll_interval", next.PollInterval,
		"concurrency", next.Concurrency,
	)
	return true
}

// State returns the current lifecycle state.
func (p *Poller[T]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsPolling reports whether the loop is running.
func (p *Poller[T]) IsPolling() bool {
	return p.State() == StatePolling
}

// InFlight returns the number of items currently executing.
func (p *Poller[T]) InFlight() int {
	return int(p.inFlight.Load())
}

// Start launches the polling loop. It is a no-op unless the poller is idle.
// Cancelling ctx stops the loop immediately and is passed to fetch and
// execute calls; Stop is the graceful alternative.
func (p *Poller[T]) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return
	}
	p.state = StatePolling
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.loop(ctx, p.stop, p.done)
	p.logger.Debug("poller started", "poller", p.name)
}

// Stop ends polling and waits for in-flight executions to drain. It returns
// ctx.Err() if ctx ends first; the poller keeps draining in the background
// and returns to idle once everything has finished.
func (p *Poller[T]) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateIdle {
		p.mu.Unlock()
		return nil
	}
	if p.state == StatePolling {
		p.state = StateStopping
		close(p.stop)
	}
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller[T]) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		p.wg.Wait()
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		close(done)
		p.logger.Debug("poller stopped", "poller", p.name)
	}()

	for {
		p.cycle(ctx)

		timer := time.NewTimer(p.Options().PollInterval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycle runs one fetch and dispatches its items.
func (p *Poller[T]) cycle(ctx context.Context) {
	available := p.Options().Concurrency - p.InFlight()
	if available < 1 {
		p.logger.Debug("no free slots, skipping poll", "poller", p.name, "in_flight", p.InFlight())
		return
	}

	items, err := p.fetch(ctx, available)
	if err != nil {
		p.logger.Warn("poll failed", "poller", p.name, "error", err)
		return
	}

	for _, item := range items {
		p.acquire(ctx)
		p.wg.Go(func() {
			defer p.release()
			p.execute(ctx, item)
		})
	}
}

// acquire reserves an execution slot, waiting for one to free up if the
// fetch returned more items than were asked for.
func (p *Poller[T]) acquire(ctx context.Context) {
	for {
		if p.inFlight.Load() < int64(p.Options().Concurrency) {
			p.inFlight.Add(1)
			return
		}
		select {
		case <-p.freed:
		case <-ctx.Done():
			// Hard stop: run anyway so the item is not silently dropped; the
			// execute function sees the cancelled context.
			p.inFlight.Add(1)
			return
		}
	}
}

func (p *Poller[T]) release() {
	p.inFlight.Add(-1)
	select {
	case p.freed <- struct{}{}:
	default:
	}
}
