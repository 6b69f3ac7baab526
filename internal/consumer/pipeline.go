package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-hub/internal/cascade"
	"github.com/nerrad567/gray-logic-hub/internal/mapping"
	"github.com/nerrad567/gray-logic-hub/internal/state"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// Logger defines the logging interface used by the pipeline.
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

// Publisher receives sibling refreshes for virtual properties.
type Publisher interface {
	Publish(ctx context.Context, source, routingKey string, document any) error
}

// EventSource is the exchange source name used by the pipeline.
const EventSource = "consumer"

// PropertyValue is the document published for each sibling of a written
// virtual property.
type PropertyValue struct {
	Property   string         `json:"property"`
	Identifier string         `json:"identifier"`
	Owner      topology.Owner `json:"owner"`
	Value      any            `json:"value"`
}

// Pipeline holds the handlers that turn messages into topology and state changes.
type Pipeline struct {
	topology  *topology.Registry
	managers  *state.Managers
	resolver  *mapping.Resolver
	cascade   *cascade.Cascade
	publisher Publisher
	logger    Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(reg *topology.Registry, managers *state.Managers, resolver *mapping.Resolver, c *cascade.Cascade) *Pipeline {
	return &Pipeline{
		topology: reg,
		managers: managers,
		resolver: resolver,
		cascade:  c,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger.
func (p *Pipeline) SetLogger(logger Logger) { p.logger = logger }

// SetPublisher sets where virtual sibling refreshes go.
func (p *Pipeline) SetPublisher(pub Publisher) { p.publisher = pub }

// Register installs the pipeline's handlers on r.
func (p *Pipeline) Register(r *Registry) {
	r.Register(p.handlePropertyReported,
		KindConnectorPropertyReported, KindDevicePropertyReported, KindChannelPropertyReported)
	r.Register(p.handleWriteRequested, KindPropertyWriteRequested)
	r.Register(p.handleConnectionState, KindConnectionStateReported)
	r.Register(p.handleDeviceStored, KindDeviceStored)
	r.Register(p.handleDeviceRemoved, KindDeviceRemoved)
}

// resolved is the identity chain of a message's target.
type resolved struct {
	connector *topology.Connector
	device    *topology.Device
	channel   *topology.Channel
	property  *topology.Property
}

func (r resolved) owner() topology.Owner {
	switch {
	case r.channel != nil:
		return topology.ChannelOwner(r.channel.ID)
	case r.device != nil:
		return topology.DeviceOwner(r.device.ID)
	default:
		return topology.ConnectorOwner(r.connector.ID)
	}
}

func (r resolved) logAttrs() []any {
	attrs := []any{"connector", r.connector.Identifier}
	if r.device != nil {
		attrs = append(attrs, "device", r.device.Identifier)
	}
	if r.channel != nil {
		attrs = append(attrs, "channel", r.channel.Identifier)
	}
	if r.property != nil {
		attrs = append(attrs, "property", r.property.Identifier, "property_id", r.property.ID, "kind", r.property.Kind)
	}
	return attrs
}

// resolve walks connector → device → channel → property. Levels with a zero
// ref are skipped, as is the property when it is zero.
func (p *Pipeline) resolve(ctx context.Context, t Target) (resolved, error) {
	var r resolved
	var err error

	if r.connector, err = p.topology.FindConnector(ctx, t.Connector); err != nil {
		return r, err
	}
	if !t.Device.IsZero() {
		if r.device, err = p.topology.FindDevice(ctx, r.connector.ID, t.Device); err != nil {
			return r, err
		}
	}
	if !t.Channel.IsZero() {
		if r.device == nil {
			return r, topology.ErrDeviceNotFound
		}
		if r.channel, err = p.topology.FindChannel(ctx, r.device.ID, t.Channel); err != nil {
			return r, err
		}
	}
	if !t.Property.IsZero() {
		if r.property, err = p.topology.FindProperty(ctx, r.owner(), t.Property); err != nil {
			return r, err
		}
	}
	return r, nil
}

// isUnresolved reports whether err means a reference no longer exists.
// Those are expected while entities are deleted concurrently.
func isUnresolved(err error) bool {
	return errors.Is(err, topology.ErrConnectorNotFound) ||
		errors.Is(err, topology.ErrDeviceNotFound) ||
		errors.Is(err, topology.ErrChannelNotFound) ||
		errors.Is(err, topology.ErrPropertyNotFound)
}

func (p *Pipeline) dropUnresolved(kind Kind, t Target, err error) (bool, error) {
	if !isUnresolved(err) {
		return true, err
	}
	p.logger.Warn("dropping message for unknown target",
		"kind", kind,
		"connector", t.Connector.String(),
		"device", t.Device.String(),
		"channel", t.Channel.String(),
		"property", t.Property.String(),
		"error", err,
	)
	return true, nil
}

func checkDefinition(prop *topology.Property) error {
	if !prop.DataType.Valid() {
		return fmt.Errorf("%w: property %s has data type %q", ErrMalformedDefinition, prop.Identifier, prop.DataType)
	}
	if err := prop.Format.Validate(); err != nil {
		return fmt.Errorf("%w: property %s: %v", ErrMalformedDefinition, prop.Identifier, err)
	}
	return nil
}

func (p *Pipeline) handlePropertyReported(ctx context.Context, msg Message) (bool, error) {
	m, ok := msg.(PropertyReported)
	if !ok {
		return false, nil
	}
	r, err := p.resolve(ctx, m.Target)
	if err != nil {
		return p.dropUnresolved(m.Kind(), m.Target, err)
	}
	if err := checkDefinition(r.property); err != nil {
		return true, err
	}

	valid := true
	if m.Valid != nil {
		valid = *m.Valid
	}
	if err := p.report(ctx, r.property, m.Value, valid); err != nil {
		return true, err
	}

	p.logger.Debug("property reported", append(r.logAttrs(), "value", m.Value, "valid", valid)...)
	return true, nil
}

// report applies a device-reported value to prop.
func (p *Pipeline) report(ctx context.Context, prop *topology.Property, value any, valid bool) error {
	switch prop.Kind {
	case topology.KindVariable:
		return p.topology.WithTx(ctx, func(tx *topology.Registry) error {
			_, err := tx.SetPropertyValue(ctx, prop.ID, value)
			return err
		})

	case topology.KindDynamic:
		m, err := p.managers.ForProperty(prop)
		if err != nil {
			return err
		}
		_, err = m.Set(ctx, prop, state.Update{ActualValue: state.Value(value), Valid: state.Bool(valid)})
		return err

	case topology.KindMapped:
		parent, err := p.resolver.Parent(ctx, prop)
		if err != nil {
			return err
		}
		deviceValue, err := p.resolver.DeviceValue(ctx, prop, value)
		if err != nil {
			return err
		}
		return p.report(ctx, parent, deviceValue, valid)
	}
	return fmt.Errorf("%w: property %s has kind %q", ErrMalformedDefinition, prop.Identifier, prop.Kind)
}

func (p *Pipeline) handleWriteRequested(ctx context.Context, msg Message) (bool, error) {
	m, ok := msg.(PropertyWriteRequested)
	if !ok {
		return false, nil
	}
	r, err := p.resolve(ctx, m.Target)
	if err != nil {
		return p.dropUnresolved(m.Kind(), m.Target, err)
	}
	prop := r.property
	if err := checkDefinition(prop); err != nil {
		return true, err
	}

	switch prop.Kind {
	case topology.KindMapped:
		if _, err := p.resolver.WriteIntent(ctx, prop, m.Value); err != nil {
			return true, err
		}
		if prop.Virtual {
			p.refreshSiblings(ctx, prop)
		}

	case topology.KindDynamic:
		if !prop.Settable {
			p.logger.Warn("dropping write to read-only property", r.logAttrs()...)
			return true, nil
		}
		mgr, err := p.managers.ForProperty(prop)
		if err != nil {
			return true, err
		}
		if _, err := mgr.Write(ctx, prop, state.Update{ExpectedValue: state.Value(m.Value)}); err != nil {
			return true, err
		}

	case topology.KindVariable:
		err := p.topology.WithTx(ctx, func(tx *topology.Registry) error {
			_, err := tx.SetPropertyValue(ctx, prop.ID, m.Value)
			return err
		})
		if err != nil {
			return true, err
		}
	}

	p.logger.Debug("property write requested", append(r.logAttrs(), "value", m.Value)...)
	return true, nil
}

// refreshSiblings publishes the current value of every property in the
// virtual property's owner, itself included. Consumers of a virtual value
// expect the whole group to move together.
func (p *Pipeline) refreshSiblings(ctx context.Context, prop *topology.Property) {
	if p.publisher == nil {
		return
	}
	siblings, err := p.topology.ListProperties(ctx, topology.PropertyQuery{Owner: &prop.Owner})
	if err != nil {
		p.logger.Warn("listing virtual siblings failed", "property", prop.Identifier, "error", err)
		return
	}

	for i := range siblings {
		sib := &siblings[i]
		value, err := p.currentValue(ctx, sib)
		if err != nil {
			p.logger.Warn("reading virtual sibling failed", "property", sib.Identifier, "error", err)
			continue
		}
		doc := PropertyValue{Property: sib.ID, Identifier: sib.Identifier, Owner: sib.Owner, Value: value}
		key := string(sib.Owner.Scope) + ".property.value"
		if err := p.publisher.Publish(ctx, EventSource, key, doc); err != nil {
			p.logger.Warn("publishing virtual sibling failed", "property", sib.Identifier, "error", err)
		}
	}
}

func (p *Pipeline) currentValue(ctx context.Context, prop *topology.Property) (any, error) {
	switch prop.Kind {
	case topology.KindVariable:
		return prop.Value, nil
	case topology.KindMapped:
		return p.resolver.Read(ctx, prop)
	default:
		m, err := p.managers.ForProperty(prop)
		if err != nil {
			return nil, err
		}
		st, err := m.Get(ctx, prop)
		if err != nil {
			return nil, err
		}
		if st != nil && st.ExpectedValue != nil {
			return st.ExpectedValue, nil
		}
		return st.Current(), nil
	}
}

func (p *Pipeline) handleConnectionState(ctx context.Context, msg Message) (bool, error) {
	m, ok := msg.(ConnectionStateReported)
	if !ok {
		return false, nil
	}
	if !m.State.Valid() {
		return true, fmt.Errorf("%w: connection state %q", ErrMalformedDefinition, m.State)
	}

	t := Target{Connector: m.Connector, Device: m.Device}
	r, err := p.resolve(ctx, t)
	if err != nil {
		return p.dropUnresolved(m.Kind(), t, err)
	}

	if r.device != nil {
		if err := p.cascade.SetDeviceState(ctx, r.device.ID, m.State); err != nil {
			if isUnresolved(err) {
				return p.dropUnresolved(m.Kind(), t, err)
			}
			return true, err
		}
		p.logger.Debug("connection state reported", append(r.logAttrs(), "state", m.State)...)
		return true, nil
	}

	devices, err := p.topology.ListDevices(ctx, r.connector.ID)
	if err != nil {
		return true, err
	}
	var errs []error
	for _, d := range devices {
		if err := p.cascade.SetDeviceState(ctx, d.ID, m.State); err != nil && !isUnresolved(err) {
			errs = append(errs, err)
		}
	}
	p.logger.Debug("connection state reported", append(r.logAttrs(), "state", m.State, "devices", len(devices))...)
	return true, errors.Join(errs...)
}

func (p *Pipeline) handleDeviceRemoved(ctx context.Context, msg Message) (bool, error) {
	m, ok := msg.(DeviceRemoved)
	if !ok {
		return false, nil
	}
	t := Target{Connector: m.Connector, Device: m.Device}
	r, err := p.resolve(ctx, t)
	if err != nil {
		return p.dropUnresolved(m.Kind(), t, err)
	}

	removed, err := p.topology.DeleteDevice(ctx, r.device.ID)
	if err != nil {
		if isUnresolved(err) {
			return p.dropUnresolved(m.Kind(), t, err)
		}
		return true, err
	}
	p.dropStates(ctx, removed)

	p.logger.Debug("device removed", append(r.logAttrs(), "properties", len(removed))...)
	return true, nil
}

// dropStates deletes the state records of removed properties.
func (p *Pipeline) dropStates(ctx context.Context, removed []topology.Property) {
	for i := range removed {
		prop := &removed[i]
		if prop.Kind == topology.KindVariable {
			continue
		}
		m, err := p.managers.ForProperty(prop)
		if err == nil {
			err = m.Delete(ctx, prop)
		}
		if err != nil {
			p.logger.Warn("deleting property state failed", "property", prop.Identifier, "error", err)
		}
	}
}
