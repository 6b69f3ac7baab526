// Package writer drives pending property writes out to devices.
//
// Each connector owns one Scheduler. On every Tick it looks for properties
// with an expected value, skips those whose write is already believed in
// flight, and writes the rest through the connector's protocol client. A
// successful write leaves the property pending until the device reports the
// value back, or until TrackerTTL passes and the write is sent again; a
// failed one clears pending so the next tick retries, and moves the device to
// the connection state the failure implies. Pending markers are only moved
// while the written value is still the expected one, so an intent recorded
// during a write is picked up by the next tick.
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nerrad567/gray-logic-hub/internal/state"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// Default timings, matching the engine config defaults.
const (
	DefaultWritePendingDelay = 2 * time.Second
	DefaultRepollDelay       = 120 * time.Second
)

// Topology is the part of the configuration repository the scheduler reads.
type Topology interface {
	ListDevices(ctx context.Context, connectorID string) ([]topology.Device, error)
	ListProperties(ctx context.Context, q topology.PropertyQuery) ([]topology.Property, error)
	DeviceOf(ctx context.Context, owner topology.Owner) (string, error)
}

// Resolver converts a mapped property's canonical value into its parent's domain.
type Resolver interface {
	DeviceValue(ctx context.Context, p *topology.Property, value any) (any, error)
}

// Cascade records device connection state changes.
type Cascade interface {
	SetDeviceState(ctx context.Context, deviceID string, s topology.ConnectionState) error
}

// Client is the protocol side of a connector.
type Client interface {
	// ReadState asks the device for a fresh report. Values arrive through the
	// consumer pipeline, not the return value.
	ReadState(ctx context.Context, device *topology.Device) error

	// WriteState sends value to the device property p.
	WriteState(ctx context.Context, p *topology.Property, value any) error
}

// Classifier maps a protocol error to the device's new connection state and
// reports whether the connector must stop.
type Classifier func(err error) (s topology.ConnectionState, fatal bool)

// Logger defines the logging interface used by the scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Metrics counts scheduler activity.
type Metrics struct {
	Writes *prometheus.CounterVec
	Polls  *prometheus.CounterVec
}

// NewMetrics creates scheduler metrics registered on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graylogic",
			Subsystem: "writer",
			Name:      "writes_total",
			Help:      "Device write attempts, by connector and result.",
		}, []string{"connector", "result"}),
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graylogic",
			Subsystem: "writer",
			Name:      "polls_total",
			Help:      "Device state polls, by connector and result.",
		}, []string{"connector", "result"}),
	}
}

const (
	resultOK      = "ok"
	resultFailed  = "failed"
	resultSkipped = "skipped"
)

// Config holds per-connector scheduler settings.
type Config struct {
	ConnectorID string

	// Connector is the connector identifier used in logs and metric labels.
	Connector string

	// WritePendingDelay is how long a timestamped attempt counts as in flight.
	WritePendingDelay time.Duration

	// RepollDelay is the minimum time between two polls of one device.
	// Zero disables polling.
	RepollDelay time.Duration

	// TrackerTTL is how long an accepted write waits for the device to
	// confirm it before it is sent again. It also bounds how long a write can
	// hold its property's slot.
	TrackerTTL time.Duration
}

// Scheduler issues debounced writes and periodic polls for one connector.
// Tick may be called from several goroutines; a property is written by at
// most one of them at a time.
type Scheduler struct {
	cfg      Config
	topology Topology
	managers *state.Managers
	resolver Resolver
	cascade  Cascade
	client   Client
	classify Classifier
	logger   Logger
	metrics  *Metrics
	now      func() time.Time

	processedDevices  *tracker
	processedCommands *tracker
	confirming        *tracker
}

// New creates a scheduler. Zero durations in cfg take the defaults.
func New(cfg Config, topo Topology, managers *state.Managers, resolver Resolver, c Cascade, client Client) *Scheduler {
	if cfg.WritePendingDelay <= 0 {
		cfg.WritePendingDelay = DefaultWritePendingDelay
	}
	if cfg.TrackerTTL <= 0 {
		cfg.TrackerTTL = 10 * cfg.WritePendingDelay
	}
	if cfg.Connector == "" {
		cfg.Connector = cfg.ConnectorID
	}
	return &Scheduler{
		cfg:               cfg,
		topology:          topo,
		managers:          managers,
		resolver:          resolver,
		cascade:           c,
		client:            client,
		classify:          func(error) (topology.ConnectionState, bool) { return topology.StateLost, false },
		logger:            noopLogger{},
		metrics:           NewMetrics(nil),
		now:               time.Now,
		processedDevices:  newTracker(cfg.RepollDelay),
		processedCommands: newTracker(cfg.TrackerTTL),
		confirming:        newTracker(cfg.TrackerTTL),
	}
}

// SetLogger sets the logger.
func (s *Scheduler) SetLogger(logger Logger) { s.logger = logger }

// SetMetrics sets the metrics sink.
func (s *Scheduler) SetMetrics(m *Metrics) { s.metrics = m }

// SetClassifier sets how write and poll failures map to connection states.
func (s *Scheduler) SetClassifier(fn Classifier) { s.classify = fn }

// candidate is one property with an outstanding expected value.
type candidate struct {
	// record holds the expected value and pending marker.
	record *topology.Property

	// target is the dynamic property the device write addresses.
	target *topology.Property

	state *state.PropertyState
}

// Tick runs one write pass and one poll pass. Failures are absorbed into
// pending and connection state; only errors the classifier marks fatal are
// returned.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.client == nil {
		return ErrNoClient
	}
	now := s.now()
	s.processedDevices.prune(now)
	s.processedCommands.prune(now)
	s.confirming.prune(now)

	candidates, err := s.candidates(ctx)
	if err != nil {
		return fmt.Errorf("collecting write candidates: %w", err)
	}

	var fatal []error
	for i := range candidates {
		if err := s.write(ctx, &candidates[i], now); err != nil {
			fatal = append(fatal, err)
		}
	}
	if len(fatal) > 0 {
		return errors.Join(fatal...)
	}
	return s.poll(ctx, now)
}

// candidates returns the connector's settable dynamic properties with an
// expected value, plus mapped properties built on them with one of their own.
func (s *Scheduler) candidates(ctx context.Context) ([]candidate, error) {
	dynamic, err := s.topology.ListProperties(ctx, topology.PropertyQuery{
		ConnectorID: s.cfg.ConnectorID,
		Kind:        topology.KindDynamic,
	})
	if err != nil {
		return nil, err
	}
	parents := make(map[string]*topology.Property, len(dynamic))
	for i := range dynamic {
		parents[dynamic[i].ID] = &dynamic[i]
	}

	mapped, err := s.topology.ListProperties(ctx, topology.PropertyQuery{Kind: topology.KindMapped})
	if err != nil {
		return nil, err
	}

	var out []candidate
	add := func(record, target *topology.Property) error {
		if !target.Settable {
			return nil
		}
		m, err := s.managers.ForProperty(record)
		if err != nil {
			return err
		}
		st, err := m.Get(ctx, record)
		if err != nil {
			return err
		}
		if st == nil || st.ExpectedValue == nil {
			return nil
		}
		out = append(out, candidate{record: record, target: target, state: st})
		return nil
	}

	for i := range dynamic {
		if err := add(&dynamic[i], &dynamic[i]); err != nil {
			return nil, err
		}
	}
	for i := range mapped {
		parent, ok := parents[mapped[i].ParentID]
		if !ok {
			continue
		}
		if err := add(&mapped[i], parent); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// inFlight reports whether c's last write should still be left alone.
// Timestamped attempts are in flight for WritePendingDelay; accepted writes
// wait TrackerTTL for the device's report.
func (s *Scheduler) inFlight(c *candidate, now time.Time) bool {
	p := c.state.Pending
	switch {
	case p.IsIdle():
		return false
	case p.IsTimestamp():
		return p.InFlight(now, s.cfg.WritePendingDelay)
	default:
		return s.confirming.active(c.record.ID, now)
	}
}

// write issues one debounced device write. It returns an error only when the
// failure is fatal for the connector.
func (s *Scheduler) write(ctx context.Context, c *candidate, now time.Time) error {
	if s.inFlight(c, now) {
		s.metrics.Writes.WithLabelValues(s.cfg.Connector, resultSkipped).Inc()
		return nil
	}
	if !s.processedCommands.claim(c.record.ID, now) {
		s.metrics.Writes.WithLabelValues(s.cfg.Connector, resultSkipped).Inc()
		return nil
	}
	defer s.processedCommands.forget(c.record.ID)

	expected := c.state.ExpectedValue
	if c.state.Pending.Active && !c.state.Pending.IsTimestamp() {
		s.logger.Info("write not confirmed, sending again",
			"connector", s.cfg.Connector,
			"property", c.record.Identifier,
			"value", expected,
		)
	}

	value := expected
	if c.record.Kind == topology.KindMapped {
		v, err := s.resolver.DeviceValue(ctx, c.record, value)
		if err != nil {
			s.logger.Warn("skipping untranslatable write", "property", c.record.Identifier, "value", value, "error", err)
			return nil
		}
		value = v
	}

	m, err := s.managers.ForProperty(c.record)
	if err != nil {
		s.logger.Warn("no state manager for write", "property", c.record.Identifier, "error", err)
		return nil
	}
	ok, err := m.SetPendingIf(ctx, c.record, expected, state.PendingSince(now))
	if err != nil {
		s.logger.Warn("marking write pending failed", "property", c.record.Identifier, "error", err)
		return nil
	}
	if !ok {
		// The intent changed since candidates were collected.
		s.metrics.Writes.WithLabelValues(s.cfg.Connector, resultSkipped).Inc()
		return nil
	}

	writeErr := s.client.WriteState(ctx, c.target, value)
	if writeErr == nil {
		s.metrics.Writes.WithLabelValues(s.cfg.Connector, resultOK).Inc()
		s.confirm(ctx, m, c, expected, now)
		s.logger.Debug("property written",
			"connector", s.cfg.Connector,
			"property", c.record.Identifier,
			"target", c.target.Identifier,
			"value", value,
		)
		return nil
	}

	s.metrics.Writes.WithLabelValues(s.cfg.Connector, resultFailed).Inc()
	if _, err := m.SetPendingIf(ctx, c.record, expected, state.PendingIdle); err != nil {
		s.logger.Warn("clearing pending write failed", "property", c.record.Identifier, "error", err)
	}
	s.logger.Warn("property write failed",
		"connector", s.cfg.Connector,
		"property", c.record.Identifier,
		"target", c.target.Identifier,
		"error", writeErr,
	)
	return s.fail(ctx, c.target.Owner, writeErr)
}

// confirm marks an accepted write as awaiting the device's report. A new
// intent recorded while the write was on the wire keeps its idle marker.
func (s *Scheduler) confirm(ctx context.Context, m *state.Manager, c *candidate, written any, now time.Time) {
	ok, err := m.SetPendingIf(ctx, c.record, written, state.PendingConfirming)
	if err != nil {
		s.logger.Warn("marking write confirming failed", "property", c.record.Identifier, "error", err)
		return
	}
	if !ok {
		s.logger.Debug("write superseded by a newer intent", "property", c.record.Identifier, "written", written)
		return
	}
	s.confirming.mark(c.record.ID, now)
}

// poll asks every device not polled within RepollDelay for a fresh report.
func (s *Scheduler) poll(ctx context.Context, now time.Time) error {
	if s.cfg.RepollDelay <= 0 {
		return nil
	}
	devices, err := s.topology.ListDevices(ctx, s.cfg.ConnectorID)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	for i := range devices {
		d := &devices[i]
		if !s.processedDevices.claim(d.ID, now) {
			continue
		}
		if err := s.client.ReadState(ctx, d); err != nil {
			s.metrics.Polls.WithLabelValues(s.cfg.Connector, resultFailed).Inc()
			s.logger.Warn("device poll failed", "connector", s.cfg.Connector, "device", d.Identifier, "error", err)
			if err := s.fail(ctx, topology.DeviceOwner(d.ID), err); err != nil {
				return err
			}
			continue
		}
		s.metrics.Polls.WithLabelValues(s.cfg.Connector, resultOK).Inc()
	}
	return nil
}

// fail moves the device under owner to the state err implies.
func (s *Scheduler) fail(ctx context.Context, owner topology.Owner, cause error) error {
	next, fatal := s.classify(cause)

	deviceID, err := s.topology.DeviceOf(ctx, owner)
	if err != nil {
		s.logger.Warn("resolving device of failed operation", "owner", owner.ID, "error", err)
	} else if deviceID != "" {
		if err := s.cascade.SetDeviceState(ctx, deviceID, next); err != nil {
			s.logger.Warn("recording device state failed", "device", deviceID, "state", next, "error", err)
		}
	}

	if fatal {
		return fmt.Errorf("connector %s: %w", s.cfg.Connector, cause)
	}
	return nil
}

// Pending returns how many writes and polled devices the scheduler is tracking.
func (s *Scheduler) Pending() (commands, devices int) {
	return s.processedCommands.len() + s.confirming.len(), s.processedDevices.len()
}
