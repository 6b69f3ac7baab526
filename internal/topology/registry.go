package topology

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
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

// Publisher receives a routed document for every entity change.
type Publisher interface {
	Publish(ctx context.Context, source, routingKey string, document any) error
}

// EventSource is the exchange source name used for entity changes.
const EventSource = "topology"

type event struct {
	routingKey string
	document   any
}

// Registry is the configuration repository: a cached, read-optimised view of
// the connector/device/channel/property topology over a Repository.
//
// Every value it returns is a deep copy. Mutations write through to the
// repository first and update the cache only on success.
//
// All public methods are thread-safe.
type Registry struct {
	repo      Repository
	mu        sync.RWMutex
	snap      *snapshot
	loaded    bool
	logger    Logger
	publisher Publisher
	now       func() time.Time

	// connMu serialises connection state transitions from read to publish.
	connMu sync.Mutex

	// Set on registries handed to WithTx callbacks.
	parent  *Registry
	pending []func(*snapshot)
	events  []event
}

// NewRegistry creates a registry over repo. The cache is loaded on first use
// or by RefreshCache.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		snap:   newSnapshot(),
		logger: noopLogger{},
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetPublisher sets where entity change documents are sent.
func (r *Registry) SetPublisher(p Publisher) {
	r.publisher = p
}

// RefreshCache reloads the whole topology from the repository.
func (r *Registry) RefreshCache(ctx context.Context) error {
	snap := newSnapshot()

	connectors, err := r.repo.ListConnectors(ctx)
	if err != nil {
		return fmt.Errorf("loading connectors: %w", err)
	}
	for i := range connectors {
		snap.connectors[connectors[i].ID] = connectors[i].DeepCopy()
	}

	devices, err := r.repo.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	for i := range devices {
		snap.devices[devices[i].ID] = devices[i].DeepCopy()
	}

	channels, err := r.repo.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("loading channels: %w", err)
	}
	for i := range channels {
		snap.channels[channels[i].ID] = channels[i].DeepCopy()
	}

	properties, err := r.repo.ListProperties(ctx)
	if err != nil {
		return fmt.Errorf("loading properties: %w", err)
	}
	for i := range properties {
		snap.properties[properties[i].ID] = properties[i].DeepCopy()
	}

	controls, err := r.repo.ListControls(ctx)
	if err != nil {
		return fmt.Errorf("loading controls: %w", err)
	}
	for i := range controls {
		snap.controls[controls[i].ID] = controls[i].DeepCopy()
	}

	r.mu.Lock()
	r.snap = snap
	r.loaded = true
	r.mu.Unlock()

	r.logger.Info("topology cache refreshed",
		"connectors", len(connectors),
		"devices", len(devices),
		"channels", len(channels),
		"properties", len(properties),
	)
	return nil
}

func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}
	return r.RefreshCache(ctx)
}

// read runs fn against the cache under the read lock.
func read[T any](ctx context.Context, r *Registry, fn func(s *snapshot) (T, error)) (T, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		var zero T
		return zero, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(r.snap)
}

// mutate applies op to the cache. Inside WithTx the op is also queued for
// replay on the parent registry once the transaction commits.
func (r *Registry) mutate(ctx context.Context, op func(*snapshot), events ...event) {
	r.mu.Lock()
	op(r.snap)
	r.mu.Unlock()

	if r.parent != nil {
		r.pending = append(r.pending, op)
		r.events = append(r.events, events...)
		return
	}
	for _, ev := range events {
		r.publish(ctx, ev)
	}
}

func (r *Registry) publish(ctx context.Context, ev event) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, EventSource, ev.routingKey, ev.document); err != nil {
		r.logger.Warn("publishing topology event failed", "routing_key", ev.routingKey, "error", err)
	}
}

// WithTx runs fn with a registry whose writes share one repository
// transaction. The registry passed to fn sees its own writes; the shared cache
// and subscribers see them only after commit.
func (r *Registry) WithTx(ctx context.Context, fn func(tx *Registry) error) error {
	if r.parent != nil {
		return fn(r)
	}
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	var txReg *Registry
	err := r.repo.WithTx(ctx, func(repo Repository) error {
		r.mu.RLock()
		clone := r.snap.clone()
		r.mu.RUnlock()

		txReg = &Registry{
			repo:   repo,
			snap:   clone,
			loaded: true,
			logger: r.logger,
			now:    r.now,
			parent: r,
		}
		return fn(txReg)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, op := range txReg.pending {
		op(r.snap)
	}
	r.mu.Unlock()

	for _, ev := range txReg.events {
		r.publish(ctx, ev)
	}
	return nil
}

// --- Connectors ---

// GetConnector returns a connector by ID.
func (r *Registry) GetConnector(ctx context.Context, id string) (*Connector, error) {
	return r.FindConnector(ctx, Ref{ID: id})
}

// FindConnector returns the connector matching ref.
func (r *Registry) FindConnector(ctx context.Context, ref Ref) (*Connector, error) {
	return read(ctx, r, func(s *snapshot) (*Connector, error) {
		if ref.ID != "" {
			if c, ok := s.connectors[ref.ID]; ok {
				return c.DeepCopy(), nil
			}
			return nil, ErrConnectorNotFound
		}
		for _, c := range s.connectors {
			if ref.Matches(c.ID, c.Identifier) {
				return c.DeepCopy(), nil
			}
		}
		return nil, ErrConnectorNotFound
	})
}

// ListConnectors returns all connectors ordered by identifier.
func (r *Registry) ListConnectors(ctx context.Context) ([]Connector, error) {
	return read(ctx, r, func(s *snapshot) ([]Connector, error) {
		out := make([]Connector, 0, len(s.connectors))
		for _, c := range s.connectors {
			out = append(out, *c.DeepCopy())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
		return out, nil
	})
}

// SaveConnector creates or updates a connector. A missing ID is generated.
func (r *Registry) SaveConnector(ctx context.Context, c *Connector) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = GenerateID()
	}
	if c.State == "" {
		c.State = ExecutionUnknown
	}
	if err := ValidateConnector(c); err != nil {
		return err
	}

	r.mu.RLock()
	existing := r.snap.connectors[c.ID].DeepCopy()
	r.mu.RUnlock()

	now := r.now()
	c.UpdatedAt = now
	if existing != nil {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}

	if err := r.repo.SaveConnector(ctx, c); err != nil {
		return err
	}

	stored := c.DeepCopy()
	r.mutate(ctx, func(s *snapshot) { s.connectors[stored.ID] = stored.DeepCopy() },
		event{routingKey: changeKey("connector", existing != nil), document: stored})
	r.logger.Debug("connector saved", "id", c.ID, "identifier", c.Identifier)
	return nil
}

// SetConnectorState records a connector's execution state.
func (r *Registry) SetConnectorState(ctx context.Context, id string, state ExecutionState) (*Connector, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: unknown execution state %q", ErrInvalidConnector, state)
	}
	current, err := r.GetConnector(ctx, id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	if err := r.repo.UpdateConnectorState(ctx, id, state, now); err != nil {
		return nil, err
	}

	current.State = state
	current.UpdatedAt = now
	stored := current.DeepCopy()
	r.mutate(ctx, func(s *snapshot) {
		if c, ok := s.connectors[id]; ok {
			c.State = stored.State
			c.UpdatedAt = stored.UpdatedAt
		}
	}, event{routingKey: "connector.state", document: stored})
	return current, nil
}

// DeleteConnector removes a connector and everything under it. It returns
// every property removed with it, so callers can drop their state.
func (r *Registry) DeleteConnector(ctx context.Context, id string) ([]Property, error) {
	c, err := r.GetConnector(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	removed := r.snap.propertyCopies(r.snap.subtreeProperties(ConnectorOwner(id)))
	r.mu.RUnlock()

	if err := r.repo.DeleteConnector(ctx, id); err != nil {
		return nil, err
	}
	r.mutate(ctx, func(s *snapshot) { s.removeConnector(id) },
		event{routingKey: "connector.deleted", document: c})
	r.logger.Info("connector deleted", "id", id, "properties", len(removed))
	return removed, nil
}

// --- Devices ---

// GetDevice returns a device by ID.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	return r.FindDevice(ctx, "", Ref{ID: id})
}

// FindDevice returns the device matching ref under connectorID.
// An empty connectorID matches any connector.
func (r *Registry) FindDevice(ctx context.Context, connectorID string, ref Ref) (*Device, error) {
	return read(ctx, r, func(s *snapshot) (*Device, error) {
		if ref.ID != "" {
			d, ok := s.devices[ref.ID]
			if !ok || (connectorID != "" && d.ConnectorID != connectorID) {
				return nil, ErrDeviceNotFound
			}
			return d.DeepCopy(), nil
		}
		for _, d := range s.devices {
			if (connectorID == "" || d.ConnectorID == connectorID) && ref.Matches(d.ID, d.Identifier) {
				return d.DeepCopy(), nil
			}
		}
		return nil, ErrDeviceNotFound
	})
}

// ListDevices returns the devices of a connector, or every device when connectorID is empty.
func (r *Registry) ListDevices(ctx context.Context, connectorID string) ([]Device, error) {
	return read(ctx, r, func(s *snapshot) ([]Device, error) {
		var out []Device
		for _, d := range s.devices {
			if connectorID == "" || d.ConnectorID == connectorID {
				out = append(out, *d.DeepCopy())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
		return out, nil
	})
}

// SaveDevice creates or updates a device. Parents must exist and must not
// lead back to the device.
func (r *Registry) SaveDevice(ctx context.Context, d *Device) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = GenerateID()
	}
	if d.ConnectionState == "" {
		d.ConnectionState = StateUnknown
	}
	d.Parents = dedupe(d.Parents)
	if err := ValidateDevice(d); err != nil {
		return err
	}

	r.mu.RLock()
	existing := r.snap.devices[d.ID].DeepCopy()
	err := r.checkDeviceRefs(r.snap, d)
	r.mu.RUnlock()
	if err != nil {
		return err
	}

	now := r.now()
	d.UpdatedAt = now
	if existing != nil {
		d.CreatedAt = existing.CreatedAt
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}

	if err := r.repo.SaveDevice(ctx, d); err != nil {
		return err
	}

	stored := d.DeepCopy()
	r.mutate(ctx, func(s *snapshot) { s.devices[stored.ID] = stored.DeepCopy() },
		event{routingKey: changeKey("device", existing != nil), document: stored})
	r.logger.Debug("device saved", "id", d.ID, "identifier", d.Identifier)
	return nil
}

func (r *Registry) checkDeviceRefs(s *snapshot, d *Device) error {
	if _, ok := s.connectors[d.ConnectorID]; !ok {
		return fmt.Errorf("device %s: %w", d.Identifier, ErrConnectorNotFound)
	}
	for _, parentID := range d.Parents {
		if _, ok := s.devices[parentID]; !ok {
			return fmt.Errorf("device %s parent %s: %w", d.Identifier, parentID, ErrParentNotFound)
		}
		if s.reachesDevice(parentID, d.ID) {
			return fmt.Errorf("%w: %s -> %s", ErrDeviceCycle, d.Identifier, parentID)
		}
	}
	return nil
}

// SetDeviceConnectionState records a device's connection state. It reports
// whether the stored state changed; of several concurrent callers moving a
// device to the same state, exactly one sees a change.
func (r *Registry) SetDeviceConnectionState(ctx context.Context, id string, state ConnectionState) (*Device, bool, error) {
	if !state.Valid() {
		return nil, false, fmt.Errorf("%w: unknown connection state %q", ErrInvalidDevice, state)
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()

	current, err := r.GetDevice(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.ConnectionState == state {
		return current, false, nil
	}

	now := r.now()
	if err := r.repo.UpdateDeviceConnectionState(ctx, id, state, now); err != nil {
		return nil, false, err
	}

	current.ConnectionState = state
	current.UpdatedAt = now
	stored := current.DeepCopy()
	r.mutate(ctx, func(s *snapshot) {
		if d, ok := s.devices[id]; ok {
			d.ConnectionState = stored.ConnectionState
			d.UpdatedAt = stored.UpdatedAt
		}
	}, event{routingKey: "device.connection_state", document: stored})
	return current, true, nil
}

// DeleteDevice removes a device with its channels, properties and controls.
// It returns every property removed with it.
func (r *Registry) DeleteDevice(ctx context.Context, id string) ([]Property, error) {
	d, err := r.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	removed := r.snap.propertyCopies(r.snap.subtreeProperties(DeviceOwner(id)))
	r.mu.RUnlock()

	if err := r.repo.DeleteDevice(ctx, id); err != nil {
		return nil, err
	}
	r.mutate(ctx, func(s *snapshot) { s.removeDevice(id) },
		event{routingKey: "device.deleted", document: d})
	r.logger.Info("device deleted", "id", id, "identifier", d.Identifier, "properties", len(removed))
	return removed, nil
}

// --- Channels ---

// GetChannel returns a channel by ID.
func (r *Registry) GetChannel(ctx context.Context, id string) (*Channel, error) {
	return r.FindChannel(ctx, "", Ref{ID: id})
}

// FindChannel returns the channel matching ref under deviceID.
// An empty deviceID matches any device.
func (r *Registry) FindChannel(ctx context.Context, deviceID string, ref Ref) (*Channel, error) {
	return read(ctx, r, func(s *snapshot) (*Channel, error) {
		if ref.ID != "" {
			ch, ok := s.channels[ref.ID]
			if !ok || (deviceID != "" && ch.DeviceID != deviceID) {
				return nil, ErrChannelNotFound
			}
			return ch.DeepCopy(), nil
		}
		for _, ch := range s.channels {
			if (deviceID == "" || ch.DeviceID == deviceID) && ref.Matches(ch.ID, ch.Identifier) {
				return ch.DeepCopy(), nil
			}
		}
		return nil, ErrChannelNotFound
	})
}

// ListChannels returns the channels of a device.
func (r *Registry) ListChannels(ctx context.Context, deviceID string) ([]Channel, error) {
	return read(ctx, r, func(s *snapshot) ([]Channel, error) {
		var out []Channel
		for _, ch := range s.channels {
			if ch.DeviceID == deviceID {
				out = append(out, *ch.DeepCopy())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
		return out, nil
	})
}

// SaveChannel creates or updates a channel.
func (r *Registry) SaveChannel(ctx context.Context, c *Channel) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = GenerateID()
	}
	if err := ValidateChannel(c); err != nil {
		return err
	}

	r.mu.RLock()
	existing := r.snap.channels[c.ID].DeepCopy()
	_, deviceOK := r.snap.devices[c.DeviceID]
	r.mu.RUnlock()
	if !deviceOK {
		return fmt.Errorf("channel %s: %w", c.Identifier, ErrDeviceNotFound)
	}

	now := r.now()
	c.UpdatedAt = now
	if existing != nil {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}

	if err := r.repo.SaveChannel(ctx, c); err != nil {
		return err
	}

	stored := c.DeepCopy()
	r.mutate(ctx, func(s *snapshot) { s.channels[stored.ID] = stored.DeepCopy() },
		event{routingKey: changeKey("channel", existing != nil), document: stored})
	return nil
}

// DeleteChannel removes a channel with its properties and controls. It returns
// every property removed with it.
func (r *Registry) DeleteChannel(ctx context.Context, id string) ([]Property, error) {
	ch, err := r.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	removed := r.snap.propertyCopies(r.snap.subtreeProperties(ChannelOwner(id)))
	r.mu.RUnlock()

	if err := r.repo.DeleteChannel(ctx, id); err != nil {
		return nil, err
	}
	r.mutate(ctx, func(s *snapshot) { s.removeChannel(id) },
		event{routingKey: "channel.deleted", document: ch})
	return removed, nil
}

// --- Properties ---

// PropertyQuery filters ListProperties. Set fields are ANDed together.
type PropertyQuery struct {
	// Owner matches properties directly owned by one entity.
	Owner *Owner

	// DeviceID matches properties of a device and of all its channels.
	DeviceID string

	// ConnectorID matches properties of a connector, its devices and their channels.
	ConnectorID string

	Kind     Kind
	ParentID string
}

func (q PropertyQuery) matches(s *snapshot, p *Property) bool {
	if q.Owner != nil && p.Owner != *q.Owner {
		return false
	}
	if q.Kind != "" && p.Kind != q.Kind {
		return false
	}
	if q.ParentID != "" && p.ParentID != q.ParentID {
		return false
	}
	if q.DeviceID != "" && s.deviceOf(p.Owner) != q.DeviceID {
		return false
	}
	if q.ConnectorID != "" && s.connectorOf(p.Owner) != q.ConnectorID {
		return false
	}
	return true
}

// GetProperty returns a property by ID.
func (r *Registry) GetProperty(ctx context.Context, id string) (*Property, error) {
	return read(ctx, r, func(s *snapshot) (*Property, error) {
		if p, ok := s.properties[id]; ok {
			return p.DeepCopy(), nil
		}
		return nil, ErrPropertyNotFound
	})
}

// FindProperty returns the property matching ref directly under owner.
func (r *Registry) FindProperty(ctx context.Context, owner Owner, ref Ref) (*Property, error) {
	return read(ctx, r, func(s *snapshot) (*Property, error) {
		if ref.ID != "" {
			p, ok := s.properties[ref.ID]
			if !ok || p.Owner != owner {
				return nil, ErrPropertyNotFound
			}
			return p.DeepCopy(), nil
		}
		for _, p := range s.properties {
			if p.Owner == owner && ref.Matches(p.ID, p.Identifier) {
				return p.DeepCopy(), nil
			}
		}
		return nil, ErrPropertyNotFound
	})
}

// ListProperties returns properties matching q, ordered by identifier.
func (r *Registry) ListProperties(ctx context.Context, q PropertyQuery) ([]Property, error) {
	return read(ctx, r, func(s *snapshot) ([]Property, error) {
		var out []Property
		for _, p := range s.properties {
			if q.matches(s, p) {
				out = append(out, *p.DeepCopy())
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Identifier != out[j].Identifier {
				return out[i].Identifier < out[j].Identifier
			}
			return out[i].ID < out[j].ID
		})
		return out, nil
	})
}

// ListMappedChildren returns the mapped properties whose parent is parentID.
func (r *Registry) ListMappedChildren(ctx context.Context, parentID string) ([]Property, error) {
	return r.ListProperties(ctx, PropertyQuery{Kind: KindMapped, ParentID: parentID})
}

// ConnectorOf returns the ID of the connector a property ultimately belongs to.
func (r *Registry) ConnectorOf(ctx context.Context, owner Owner) (string, error) {
	return read(ctx, r, func(s *snapshot) (string, error) {
		id := s.connectorOf(owner)
		if id == "" {
			return "", ErrConnectorNotFound
		}
		return id, nil
	})
}

// DeviceOf returns the ID of the device a property sits under, or "" for connector properties.
func (r *Registry) DeviceOf(ctx context.Context, owner Owner) (string, error) {
	return read(ctx, r, func(s *snapshot) (string, error) {
		return s.deviceOf(owner), nil
	})
}

// SaveProperty creates or updates a property. A mapped property's parent must
// exist and must not be mapped, and a property with mapped children cannot
// itself become mapped.
func (r *Registry) SaveProperty(ctx context.Context, p *Property) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = GenerateID()
	}
	if err := ValidateProperty(p); err != nil {
		return err
	}

	r.mu.RLock()
	existing := r.snap.properties[p.ID].DeepCopy()
	err := r.checkPropertyRefs(r.snap, p)
	r.mu.RUnlock()
	if err != nil {
		return err
	}

	now := r.now()
	p.UpdatedAt = now
	if existing != nil {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	if err := r.repo.SaveProperty(ctx, p); err != nil {
		return err
	}

	stored := p.DeepCopy()
	r.mutate(ctx, func(s *snapshot) { s.properties[stored.ID] = stored.DeepCopy() },
		event{routingKey: changeKey("property", existing != nil), document: stored})
	r.logger.Debug("property saved", "id", p.ID, "identifier", p.Identifier, "kind", p.Kind)
	return nil
}

func (r *Registry) checkPropertyRefs(s *snapshot, p *Property) error {
	if !s.ownerExists(p.Owner) {
		return fmt.Errorf("property %s owner %s %s: %w", p.Identifier, p.Owner.Scope, p.Owner.ID, ownerNotFound(p.Owner.Scope))
	}
	if p.Kind != KindMapped {
		return nil
	}
	parent, ok := s.properties[p.ParentID]
	if !ok {
		return fmt.Errorf("property %s parent %s: %w", p.Identifier, p.ParentID, ErrParentNotFound)
	}
	if parent.Kind == KindMapped {
		return fmt.Errorf("%w: %s -> %s", ErrMappedParent, p.Identifier, parent.Identifier)
	}
	for _, other := range s.properties {
		if other.Kind == KindMapped && other.ParentID == p.ID {
			return fmt.Errorf("%w: %s already has mapped children", ErrMappedParent, p.Identifier)
		}
	}
	return nil
}

// SetPropertyValue stores a variable property's value.
func (r *Registry) SetPropertyValue(ctx context.Context, id string, value any) (*Property, error) {
	current, err := r.GetProperty(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Kind != KindVariable {
		return nil, fmt.Errorf("property %s: %w", current.Identifier, ErrNotVariable)
	}

	now := r.now()
	if err := r.repo.UpdatePropertyValue(ctx, id, value, now); err != nil {
		return nil, err
	}

	current.Value = deepCopyValue(value)
	current.UpdatedAt = now
	stored := current.DeepCopy()
	r.mutate(ctx, func(s *snapshot) {
		if p, ok := s.properties[id]; ok {
			p.Value = deepCopyValue(stored.Value)
			p.UpdatedAt = stored.UpdatedAt
		}
	}, event{routingKey: "property.value", document: stored})
	return current, nil
}

// DeleteProperty removes a property and the mapped properties built on it.
// It returns every property removed.
func (r *Registry) DeleteProperty(ctx context.Context, id string) ([]Property, error) {
	p, err := r.GetProperty(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	removed := r.snap.propertyCopies(r.snap.withMappedChildren(map[string]bool{id: true}))
	r.mu.RUnlock()

	if err := r.repo.DeleteProperty(ctx, id); err != nil {
		return nil, err
	}
	r.mutate(ctx, func(s *snapshot) { s.removeProperty(id) },
		event{routingKey: "property.deleted", document: p})
	return removed, nil
}

// --- Controls ---

// ListControls returns the controls directly owned by owner.
func (r *Registry) ListControls(ctx context.Context, owner Owner) ([]Control, error) {
	return read(ctx, r, func(s *snapshot) ([]Control, error) {
		var out []Control
		for _, c := range s.controls {
			if c.Owner == owner {
				out = append(out, *c.DeepCopy())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
		return out, nil
	})
}

// SaveControl creates or updates a control.
func (r *Registry) SaveControl(ctx context.Context, c *Control) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = GenerateID()
	}
	if err := ValidateControl(c); err != nil {
		return err
	}

	r.mu.RLock()
	existing := r.snap.controls[c.ID].DeepCopy()
	ownerOK := r.snap.ownerExists(c.Owner)
	r.mu.RUnlock()
	if !ownerOK {
		return fmt.Errorf("control %s: %w", c.Identifier, ownerNotFound(c.Owner.Scope))
	}

	if existing != nil {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}

	if err := r.repo.SaveControl(ctx, c); err != nil {
		return err
	}

	stored := c.DeepCopy()
	r.mutate(ctx, func(s *snapshot) { s.controls[stored.ID] = stored.DeepCopy() },
		event{routingKey: changeKey("control", existing != nil), document: stored})
	return nil
}

// DeleteControl removes a control.
func (r *Registry) DeleteControl(ctx context.Context, id string) error {
	if err := r.repo.DeleteControl(ctx, id); err != nil {
		return err
	}
	r.mutate(ctx, func(s *snapshot) { delete(s.controls, id) },
		event{routingKey: "control.deleted", document: map[string]string{"id": id}})
	return nil
}

// --- Stats ---

// Stats summarises the cached topology for monitoring.
type Stats struct {
	Connectors        int                     `json:"connectors"`
	Devices           int                     `json:"devices"`
	Channels          int                     `json:"channels"`
	Properties        int                     `json:"properties"`
	Controls          int                     `json:"controls"`
	ByKind            map[Kind]int            `json:"by_kind"`
	ByConnectionState map[ConnectionState]int `json:"by_connection_state"`
}

// Stats returns counts from the cache.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Connectors:        len(r.snap.connectors),
		Devices:           len(r.snap.devices),
		Channels:          len(r.snap.channels),
		Properties:        len(r.snap.properties),
		Controls:          len(r.snap.controls),
		ByKind:            make(map[Kind]int),
		ByConnectionState: make(map[ConnectionState]int),
	}
	for _, p := range r.snap.properties {
		stats.ByKind[p.Kind]++
	}
	for _, d := range r.snap.devices {
		stats.ByConnectionState[d.ConnectionState]++
	}
	return stats
}

func changeKey(entity string, existed bool) string {
	if existed {
		return entity + ".updated"
	}
	return entity + ".created"
}

func ownerNotFound(scope Scope) error {
	switch scope {
	case ScopeConnector:
		return ErrConnectorNotFound
	case ScopeDevice:
		return ErrDeviceNotFound
	default:
		return ErrChannelNotFound
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
