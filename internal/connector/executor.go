// Package connector runs protocol clients against the engine.
//
// An Executor owns one connector: it marks the connector started, connects
// its client, and then ticks the connector's write scheduler until the
// context ends or the client reports ErrTerminate. A Supervisor runs every
// executor in one errgroup.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-hub/internal/topology"
	"github.com/nerrad567/gray-logic-hub/internal/writer"
)

// Client is a vendor protocol client.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	writer.Client
}

// Lifecycle records connector start and stop in the topology.
type Lifecycle interface {
	ConnectorStarted(ctx context.Context, connectorID string) error
	ConnectorStopped(ctx context.Context, connectorID string) error
}

// Ticker is one pass of the connector's write scheduler.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Logger defines the logging interface used by executors.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const (
	defaultTickInterval = time.Second
	shutdownTimeout     = 5 * time.Second
)

// Executor drives one connector.
type Executor struct {
	connector topology.Connector
	client    Client
	scheduler Ticker
	lifecycle Lifecycle
	interval  time.Duration
	logger    Logger
}

// NewExecutor creates an executor ticking every interval.
func NewExecutor(conn topology.Connector, client Client, scheduler Ticker, lifecycle Lifecycle, interval time.Duration) *Executor {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Executor{
		connector: conn,
		client:    client,
		scheduler: scheduler,
		lifecycle: lifecycle,
		interval:  interval,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger.
func (e *Executor) SetLogger(logger Logger) { e.logger = logger }

// Connector returns the connector the executor drives.
func (e *Executor) Connector() topology.Connector { return e.connector }

// Run blocks until ctx is done or the connector terminates. Both end with the
// client disconnected and the connector marked stopped, and return nil. Only
// a failure to record the start is returned.
func (e *Executor) Run(ctx context.Context) error {
	id := e.connector.ID
	if err := e.lifecycle.ConnectorStarted(ctx, id); err != nil {
		if errors.Is(err, topology.ErrConnectorNotFound) {
			return fmt.Errorf("starting connector %s: %w", e.connector.Identifier, err)
		}
		e.logger.Warn("connector start cascade incomplete", "connector", e.connector.Identifier, "error", err)
	}
	defer e.stop(ctx)

	if !e.connect(ctx) {
		return nil
	}
	e.logger.Info("connector running", "connector", e.connector.Identifier)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.scheduler.Tick(ctx); err != nil {
			if errors.Is(err, ErrTerminate) {
				e.logger.Error("connector terminated", "connector", e.connector.Identifier, "error", err)
				return nil
			}
			e.logger.Warn("connector tick failed", "connector", e.connector.Identifier, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// connect retries Connect every interval. It returns false when the
// connector should not run.
func (e *Executor) connect(ctx context.Context) bool {
	for {
		err := e.client.Connect(ctx)
		if err == nil {
			return true
		}
		if _, fatal := Classify(err); fatal {
			e.logger.Error("connector terminated during connect", "connector", e.connector.Identifier, "error", err)
			return false
		}
		e.logger.Warn("connector connect failed, retrying",
			"connector", e.connector.Identifier,
			"retry_in", e.interval,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.interval):
		}
	}
}

func (e *Executor) stop(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := e.client.Disconnect(stopCtx); err != nil {
		e.logger.Warn("connector disconnect failed", "connector", e.connector.Identifier, "error", err)
	}
	if err := e.lifecycle.ConnectorStopped(stopCtx, e.connector.ID); err != nil {
		e.logger.Warn("connector stop cascade incomplete", "connector", e.connector.Identifier, "error", err)
	}
	e.logger.Info("connector stopped", "connector", e.connector.Identifier)
}

// Supervisor runs a set of executors.
type Supervisor struct {
	executors []*Executor
}

// NewSupervisor creates a supervisor for executors.
func NewSupervisor(executors ...*Executor) *Supervisor {
	return &Supervisor{executors: executors}
}

// Add registers another executor. It must be called before Run.
func (s *Supervisor) Add(e *Executor) {
	s.executors = append(s.executors, e)
}

// Len returns the number of executors.
func (s *Supervisor) Len() int { return len(s.executors) }

// Run starts every executor and waits for all of them.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range s.executors {
		e := e
		g.Go(func() error { return e.Run(gctx) })
	}
	return g.Wait()
}
