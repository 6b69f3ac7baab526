// Package cascade propagates connector and device liveness changes into
// property validity.
//
// When a device enters disconnected, alert or unknown, every dynamic property
// of the device and of its channels is marked invalid, one key at a time.
// A crash part way leaves some properties valid; Reconcile repeats the pass
// for every device whose stored state still calls for it.
package cascade

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nerrad567/gray-logic-hub/internal/state"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// Topology is the part of the configuration repository the cascade uses.
type Topology interface {
	ListDevices(ctx context.Context, connectorID string) ([]topology.Device, error)
	ListProperties(ctx context.Context, q topology.PropertyQuery) ([]topology.Property, error)
	SetConnectorState(ctx context.Context, id string, s topology.ExecutionState) (*topology.Connector, error)
	SetDeviceConnectionState(ctx context.Context, id string, s topology.ConnectionState) (*topology.Device, bool, error)
}

// Logger defines the logging interface used by the cascade.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Metrics counts cascade activity.
type Metrics struct {
	Transitions   *prometheus.CounterVec
	Invalidations prometheus.Counter
}

// NewMetrics creates cascade metrics registered on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graylogic",
			Subsystem: "cascade",
			Name:      "device_transitions_total",
			Help:      "Device connection state transitions by target state.",
		}, []string{"state"}),
		Invalidations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "graylogic",
			Subsystem: "cascade",
			Name:      "property_invalidations_total",
			Help:      "Dynamic properties marked invalid by liveness changes.",
		}),
	}
}

// Cascade applies liveness transitions to the topology and the state store.
type Cascade struct {
	topology Topology
	managers *state.Managers
	logger   Logger
	metrics  *Metrics
}

// New creates a cascade.
func New(topo Topology, managers *state.Managers) *Cascade {
	return &Cascade{
		topology: topo,
		managers: managers,
		logger:   noopLogger{},
		metrics:  NewMetrics(nil),
	}
}

// SetLogger sets the logger.
func (c *Cascade) SetLogger(logger Logger) { c.logger = logger }

// SetMetrics sets the metrics sink.
func (c *Cascade) SetMetrics(m *Metrics) { c.metrics = m }

// SetDeviceState records a device's connection state and, when the device
// entered an invalidating state, invalidates its dynamic properties.
func (c *Cascade) SetDeviceState(ctx context.Context, deviceID string, s topology.ConnectionState) error {
	return c.setDeviceState(ctx, deviceID, s, false)
}

func (c *Cascade) setDeviceState(ctx context.Context, deviceID string, s topology.ConnectionState, force bool) error {
	device, changed, err := c.topology.SetDeviceConnectionState(ctx, deviceID, s)
	if err != nil {
		return fmt.Errorf("setting device %s state: %w", deviceID, err)
	}
	if changed {
		c.metrics.Transitions.WithLabelValues(string(s)).Inc()
		c.logger.Info("device connection state changed", "device", device.Identifier, "state", s)
	}
	if !s.Invalidates() || (!changed && !force) {
		return nil
	}
	return c.invalidate(ctx, device)
}

// invalidate marks every dynamic property under the device invalid. It keeps
// going past failures so one bad key does not leave the rest valid.
func (c *Cascade) invalidate(ctx context.Context, device *topology.Device) error {
	props, err := c.topology.ListProperties(ctx, topology.PropertyQuery{
		DeviceID: device.ID,
		Kind:     topology.KindDynamic,
	})
	if err != nil {
		return fmt.Errorf("listing properties of %s: %w", device.Identifier, err)
	}

	var errs []error
	for i := range props {
		p := &props[i]
		m, err := c.managers.ForProperty(p)
		if err == nil {
			_, err = m.SetValidState(ctx, p, false)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("invalidating %s: %w", p.Identifier, err))
			continue
		}
		c.metrics.Invalidations.Inc()
	}

	c.logger.Debug("device properties invalidated",
		"device", device.Identifier,
		"state", device.ConnectionState,
		"properties", len(props),
		"failed", len(errs),
	)
	return errors.Join(errs...)
}

// ConnectorStarted marks the connector running and resets every device to
// unknown, invalidating their properties until devices report in.
func (c *Cascade) ConnectorStarted(ctx context.Context, connectorID string) error {
	return c.connectorTransition(ctx, connectorID, topology.ExecutionRunning, topology.StateUnknown)
}

// ConnectorStopped marks the connector stopped and every device disconnected.
func (c *Cascade) ConnectorStopped(ctx context.Context, connectorID string) error {
	return c.connectorTransition(ctx, connectorID, topology.ExecutionStopped, topology.StateDisconnected)
}

func (c *Cascade) connectorTransition(ctx context.Context, connectorID string, exec topology.ExecutionState, devState topology.ConnectionState) error {
	connector, err := c.topology.SetConnectorState(ctx, connectorID, exec)
	if err != nil {
		return fmt.Errorf("setting connector %s state: %w", connectorID, err)
	}

	devices, err := c.topology.ListDevices(ctx, connectorID)
	if err != nil {
		return fmt.Errorf("listing devices of %s: %w", connector.Identifier, err)
	}

	var errs []error
	for _, d := range devices {
		if err := c.setDeviceState(ctx, d.ID, devState, true); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info("connector state changed",
		"connector", connector.Identifier,
		"state", exec,
		"devices", len(devices),
	)
	return errors.Join(errs...)
}

// Reconcile re-runs invalidation for every device of the connector whose
// stored state is invalidating. An empty connectorID covers all connectors.
// It returns the number of devices processed.
func (c *Cascade) Reconcile(ctx context.Context, connectorID string) (int, error) {
	devices, err := c.topology.ListDevices(ctx, connectorID)
	if err != nil {
		return 0, fmt.Errorf("listing devices: %w", err)
	}

	var errs []error
	count := 0
	for i := range devices {
		d := &devices[i]
		if !d.ConnectionState.Invalidates() {
			continue
		}
		count++
		if err := c.invalidate(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return count, errors.Join(errs...)
}
