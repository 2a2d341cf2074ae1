// Package eventsink publishes lifecycle events to Kafka as JSON records
// keyed by task type. Events are buffered and written from a background
// goroutine so that a slow broker never stalls task execution.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/taskworker/internal/events"
)

const (
	DefaultTopic        = "taskworker.events"
	DefaultBufferSize   = 1024
	DefaultBatchSize    = 100
	DefaultWriteTimeout = 10 * time.Second

	kindHeader = "event-kind"
)

// Producer is the subset of *kafka.Writer the sink uses.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.WriterStats
}

// WriterConfig configures the Kafka writer.
type WriterConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewWriter creates a Kafka writer for cfg. The writer's informational
// logging is discarded; errors are routed to logger.
func NewWriter(cfg WriterConfig, logger *slog.Logger) *kafka.Writer {
	if logger == nil {
		logger = slog.Default()
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	// Create a logrus logger that discards output (we use slog).
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
		Logger:                 logrus.NewEntry(quiet),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("kafka writer", "topic", topic, "error", fmt.Sprintf(msg, args...))
		}),
	}
}

// Options tunes buffering.
type Options struct {
	BufferSize   int
	BatchSize    int
	WriteTimeout time.Duration
}

// Sink buffers events and writes them to a Producer.
type Sink struct {
	producer Producer
	logger   *slog.Logger
	opts     Options

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
}

// New starts a sink writing to p.
func New(p Producer, opts Options, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BufferSize < 1 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	s := &Sink{
		producer: p,
		logger:   logger.With("component", "eventsink"),
		opts:     opts,
		queue:    make(chan kafka.Message, opts.BufferSize),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// Listener returns an event listener feeding the sink.
func (s *Sink) Listener() *events.Listener {
	return events.ForAll("kafka", s.Enqueue)
}

// Enqueue encodes e and queues it for writing. When the buffer is full the
// event is dropped.
func (s *Sink) Enqueue(e events.Event) error {
	msg, err := Encode(e)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}

	select {
	case s.queue <- msg:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("event buffer full, dropping event", "event", e.Kind(), "dropped_total", n)
	}
	return nil
}

// Encode turns e into a Kafka message.
func Encode(e events.Event) (kafka.Message, error) {
	rec := events.NewRecord(e)
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s event: %w", e.Kind(), err)
	}
	return kafka.Message{
		Key:     []byte(rec.TaskType),
		Value:   value,
		Time:    rec.Timestamp,
		Headers: []kafka.Header{{Key: kindHeader, Value: []byte(rec.Kind)}},
	}, nil
}

// Written returns the number of events handed to the producer successfully.
func (s *Sink) Written() int64 { return s.written.Load() }

// Dropped returns the number of events discarded because the buffer was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Stats returns the producer's statistics.
func (s *Sink) Stats() kafka.WriterStats { return s.producer.Stats() }

// Close stops accepting events, flushes the buffer and closes the producer.
// If ctx ends first the remaining events are abandoned.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.producer.Close(); err != nil {
		return fmt.Errorf("close producer: %w", err)
	}
	return nil
}

func (s *Sink) loop() {
	defer close(s.done)

	for msg := range s.queue {
		batch := []kafka.Message{msg}
	fill:
		for len(batch) < s.opts.BatchSize {
			select {
			case m, ok := <-s.queue:
				if !ok {
					break fill
				}
				batch = append(batch, m)
			default:
				break fill
			}
		}
		s.write(batch)
	}
}

func (s *Sink) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()

	if err := s.producer.WriteMessages(ctx, batch...); err != nil {
		s.logger.Error("write events", "count", len(batch), "error", err)
		return
	}
	s.written.Add(int64(len(batch)))
}
