package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener is a set of optional callbacks, one per event kind. Nil callbacks
// are skipped. A returned error is logged by the dispatcher and otherwise
// ignored.
type Listener struct {
	// Name identifies the listener in logs.
	Name string

	OnPollStarted            func(PollStarted) error
	OnPollCompleted          func(PollCompleted) error
	OnPollFailure            func(PollFailure) error
	OnTaskExecutionStarted   func(TaskExecutionStarted) error
	OnTaskExecutionCompleted func(TaskExecutionCompleted) error
	OnTaskExecutionFailure   func(TaskExecutionFailure) error
	OnTaskUpdateFailure      func(TaskUpdateFailure) error
}

// ForAll returns a listener that routes every event kind to fn.
func ForAll(name string, fn func(Event) error) *Listener {
	return &Listener{
		Name:                     name,
		OnPollStarted:            func(e PollStarted) error { return fn(e) },
		OnPollCompleted:          func(e PollCompleted) error { return fn(e) },
		OnPollFailure:            func(e PollFailure) error { return fn(e) },
		OnTaskExecutionStarted:   func(e TaskExecutionStarted) error { return fn(e) },
		OnTaskExecutionCompleted: func(e TaskExecutionCompleted) error { return fn(e) },
		OnTaskExecutionFailure:   func(e TaskExecutionFailure) error { return fn(e) },
		OnTaskUpdateFailure:      func(e TaskUpdateFailure) error { return fn(e) },
	}
}

// Dispatcher fans events out to registered listeners. It is safe for
// concurrent use, and a nil *Dispatcher drops every event.
type Dispatcher struct {
	mu        sync.Mutex
	listeners []*Listener
	count     atomic.Int32
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher with the given listeners.
func NewDispatcher(logger *slog.Logger, listeners ...*Listener) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger}
	for _, l := range listeners {
		d.Register(l)
	}
	return d
}

// Register adds l. Registering the same listener twice has no effect.
func (d *Dispatcher) Register(l *Listener) {
	if l == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.listeners {
		if existing == l {
			return
		}
	}
	d.listeners = append(d.listeners, l)
	d.count.Store(int32(len(d.listeners)))
}

// Unregister removes l.
func (d *Dispatcher) Unregister(l *Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, existing := range d.listeners {
		if existing == l {
			// Copy so that snapshots taken by in-flight publishes stay intact.
			next := make([]*Listener, 0, len(d.listeners)-1)
			next = append(next, d.listeners[:i]...)
			next = append(next, d.listeners[i+1:]...)
			d.listeners = next
			d.count.Store(int32(len(d.listeners)))
			return
		}
	}
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return int(d.count.Load())
}

func (d *Dispatcher) snapshot() []*Listener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listeners
}

// PublishPollStarted delivers e to every listener with OnPollStarted set.
func (d *Dispatcher) PublishPollStarted(e PollStarted) {
	publish(d, e, func(l *Listener) func(PollStarted) error { return l.OnPollStarted })
}

// PublishPollCompleted delivers e to every listener with OnPollCompleted set.
func (d *Dispatcher) PublishPollCompleted(e PollCompleted) {
	publish(d, e, func(l *Listener) func(PollCompleted) error { return l.OnPollCompleted })
}

// PublishPollFailure delivers e to every listener with OnPollFailure set.
func (d *Dispatcher) PublishPollFailure(e PollFailure) {
	publish(d, e, func(l *Listener) func(PollFailure) error { return l.OnPollFailure })
}

// PublishTaskExecutionStarted delivers e to every listener with OnTaskExecutionStarted set.
func (d *Dispatcher) PublishTaskExecutionStarted(e TaskExecutionStarted) {
	publish(d, e, func(l *Listener) func(TaskExecutionStarted) error { return l.OnTaskExecutionStarted })
}

// PublishTaskExecutionCompleted delivers e to every listener with OnTaskExecutionCompleted set.
func (d *Dispatcher) PublishTaskExecutionCompleted(e TaskExecutionCompleted) {
	publish(d, e, func(l *Listener) func(TaskExecutionCompleted) error { return l.OnTaskExecutionCompleted })
}

// PublishTaskExecutionFailure delivers e to every listener with OnTaskExecutionFailure set.
func (d *Dispatcher) PublishTaskExecutionFailure(e TaskExecutionFailure) {
	publish(d, e, func(l *Listener) func(TaskExecutionFailure) error { return l.OnTaskExecutionFailure })
}

// PublishTaskUpdateFailure delivers e to every listener with OnTaskUpdateFailure set.
func (d *Dispatcher) PublishTaskUpdateFailure(e TaskUpdateFailure) {
	publish(d, e, func(l *Listener) func(TaskUpdateFailure) error { return l.OnTaskUpdateFailure })
}

// publish invokes the selected callback of every listener concurrently and
// waits for all of them. It returns at once when no listener is registered.
func publish[E Event](d *Dispatcher, e E, pick func(*Listener) func(E) error) {
	if d == nil || d.count.Load() == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, l := range d.snapshot() {
		fn := pick(l)
		if fn == nil {
			continue
		}
		wg.Go(func() {
			if err := invoke(fn, e); err != nil {
				d.logger.Error("event listener failed",
					"listener", l.Name,
					"event", e.Kind(),
					"task_type", e.Meta().TaskType,
					"error", err,
				)
			}
		})
	}
	wg.Wait()
}

// invoke calls fn, turning a panic into an error.
func invoke[E Event](fn func(E) error, e E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(e)
}
