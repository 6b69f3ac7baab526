package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts pipeline activity.
type Metrics struct {
	Messages *prometheus.CounterVec
	Depth    prometheus.Gauge
}

// NewMetrics creates pipeline metrics registered on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graylogic",
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Messages dispatched, by kind and result.",
		}, []string{"kind", "result"}),
		Depth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "graylogic",
			Subsystem: "consumer",
			Name:      "queue_depth",
			Help:      "Messages waiting in the queue.",
		}),
	}
}

const (
	resultHandled   = "handled"
	resultUnhandled = "unhandled"
	resultError     = "error"
)

// Queue delivers messages to a Registry in FIFO order from one goroutine.
type Queue struct {
	registry *Registry
	messages chan Message
	logger   Logger
	metrics  *Metrics
}

// NewQueue creates a queue holding up to size pending messages.
func NewQueue(registry *Registry, size int) *Queue {
	return &Queue{
		registry: registry,
		messages: make(chan Message, size),
		logger:   noopLogger{},
		metrics:  NewMetrics(nil),
	}
}

// SetLogger sets the logger.
func (q *Queue) SetLogger(logger Logger) { q.logger = logger }

// SetMetrics sets the metrics sink.
func (q *Queue) SetMetrics(m *Metrics) { q.metrics = m }

// Enqueue adds msg, waiting for room until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	select {
	case q.messages <- msg:
		q.metrics.Depth.Inc()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueueing %s: %w", msg.Kind(), ctx.Err())
	}
}

// TryEnqueue adds msg without waiting.
func (q *Queue) TryEnqueue(msg Message) error {
	select {
	case q.messages <- msg:
		q.metrics.Depth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of waiting messages.
func (q *Queue) Len() int {
	return len(q.messages)
}

// Run dispatches messages until ctx is cancelled. Handler errors are logged
// and counted; they never stop the queue.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q.messages:
			q.metrics.Depth.Dec()
			q.Process(ctx, msg)
		}
	}
}

// Process dispatches one message synchronously and records the outcome.
func (q *Queue) Process(ctx context.Context, msg Message) {
	err := q.registry.Dispatch(ctx, msg)
	kind := string(msg.Kind())

	switch {
	case err == nil:
		q.metrics.Messages.WithLabelValues(kind, resultHandled).Inc()
	case errors.Is(err, ErrUnhandled):
		q.metrics.Messages.WithLabelValues(kind, resultUnhandled).Inc()
		q.logger.Warn("message not handled", "kind", kind)
	default:
		q.metrics.Messages.WithLabelValues(kind, resultError).Inc()
		q.logger.Error("message handling failed", "kind", kind, "error", err)
	}
}
