package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// Logger defines the logging interface used by managers.
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

// Publisher receives a routed document for every state change.
type Publisher interface {
	Publish(ctx context.Context, source, routingKey string, document any) error
}

// EventSource is the exchange source name used for state changes.
const EventSource = "state"

// EventType says what happened to a state record.
type EventType string

const (
	StateCreated EventType = "created"
	StateUpdated EventType = "updated"
	StateDeleted EventType = "deleted"
)

// Operation is the manager call that produced an event.
type Operation string

const (
	OpSet     Operation = "set"
	OpWrite   Operation = "write"
	OpValid   Operation = "valid"
	OpPending Operation = "pending"
	OpDelete  Operation = "delete"
)

// Event describes one state change. State is nil for deletions.
type Event struct {
	Type      EventType          `json:"type"`
	Operation Operation          `json:"operation"`
	Scope     topology.Scope     `json:"scope"`
	Property  *topology.Property `json:"property"`
	State     *PropertyState     `json:"state,omitempty"`
}

// RoutingKey is the exchange routing key for the event.
func (e Event) RoutingKey() string {
	return string(e.Scope) + ".property.state." + string(e.Type)
}

// Observer is called synchronously after every state change. Updates that
// leave a record as it was produce no event.
type Observer func(ctx context.Context, ev Event)

// Manager orchestrates state changes for the properties of one scope.
// All methods are safe for concurrent use.
type Manager struct {
	scope     topology.Scope
	store     Store
	logger    Logger
	publisher Publisher

	mu        sync.RWMutex
	observers []Observer
}

// NewManager creates a manager for properties owned at scope.
func NewManager(scope topology.Scope, store Store) *Manager {
	return &Manager{scope: scope, store: store, logger: noopLogger{}}
}

// Scope returns the scope this manager serves.
func (m *Manager) Scope() topology.Scope { return m.scope }

// SetLogger sets the logger.
func (m *Manager) SetLogger(logger Logger) { m.logger = logger }

// SetPublisher sets where state change documents are sent.
func (m *Manager) SetPublisher(p Publisher) { m.publisher = p }

// Observe registers fn for every subsequent state change.
func (m *Manager) Observe(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) check(p *topology.Property) error {
	if p == nil {
		return topology.ErrPropertyNotFound
	}
	if p.Owner.Scope != m.scope {
		return fmt.Errorf("%w: %s property %s given to %s manager", ErrScopeMismatch, p.Owner.Scope, p.Identifier, m.scope)
	}
	switch p.Kind {
	case topology.KindDynamic, topology.KindMapped:
		return nil
	case topology.KindVariable:
		return fmt.Errorf("%w: %s is variable", ErrNotStateful, p.Identifier)
	default:
		return fmt.Errorf("%w: %s has kind %q", ErrNotStateful, p.Identifier, p.Kind)
	}
}

// Get returns the property's state, or nil when it has none yet.
func (m *Manager) Get(ctx context.Context, p *topology.Property) (*PropertyState, error) {
	if err := m.check(p); err != nil {
		return nil, err
	}
	st, err := m.store.Get(ctx, p.ID)
	if errors.Is(err, ErrStateNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Set records an inbound report: only ActualValue and Valid are taken from u.
// A reported value equal to the expected one confirms the pending write.
func (m *Manager) Set(ctx context.Context, p *topology.Property, u Update) (*PropertyState, error) {
	return m.apply(ctx, p, OpSet, Update{
		ActualValue:     u.ActualValue,
		Valid:           u.Valid,
		ConfirmExpected: true,
	})
}

// Write records an outbound intent: only ExpectedValue and Pending are taken from u.
// A new expected value without an explicit pending marker resets pending to idle.
func (m *Manager) Write(ctx context.Context, p *topology.Property, u Update) (*PropertyState, error) {
	return m.apply(ctx, p, OpWrite, Update{
		ExpectedValue: u.ExpectedValue,
		Pending:       u.Pending,
	})
}

// SetValidState marks whether the property's actual value can be trusted.
func (m *Manager) SetValidState(ctx context.Context, p *topology.Property, valid bool) (*PropertyState, error) {
	return m.apply(ctx, p, OpValid, Update{Valid: Bool(valid)})
}

// SetPendingState sets the in-flight write marker.
func (m *Manager) SetPendingState(ctx context.Context, p *topology.Property, pending Pending) (*PropertyState, error) {
	return m.apply(ctx, p, OpPending, Update{Pending: PendingPtr(pending)})
}

// SetPendingIf sets the in-flight write marker only while expected is still
// the property's expected value, and reports whether it was.
func (m *Manager) SetPendingIf(ctx context.Context, p *topology.Property, expected any, pending Pending) (bool, error) {
	st, err := m.apply(ctx, p, OpPending, Update{Pending: PendingPtr(pending), IfExpected: Value(expected)})
	if err != nil {
		return false, err
	}
	return st != nil && SameValue(st.ExpectedValue, expected), nil
}

// Delete removes the property's state. Deleting a missing record is not an error.
func (m *Manager) Delete(ctx context.Context, p *topology.Property) error {
	if err := m.check(p); err != nil {
		return err
	}
	existed, err := m.store.Delete(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("deleting state of %s: %w", p.Identifier, err)
	}
	if existed {
		m.emit(ctx, Event{Type: StateDeleted, Operation: OpDelete, Scope: m.scope, Property: p.DeepCopy()})
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, p *topology.Property, op Operation, u Update) (*PropertyState, error) {
	if err := m.check(p); err != nil {
		return nil, err
	}
	if u.IsZero() {
		return m.Get(ctx, p)
	}

	next, change, err := m.store.Apply(ctx, p.ID, u)
	if err != nil {
		return nil, fmt.Errorf("%s state of %s: %w", op, p.Identifier, err)
	}
	if change == Unchanged {
		return next, nil
	}

	evType := StateUpdated
	if change == Created {
		evType = StateCreated
	}
	m.logger.Debug("property state changed",
		"scope", m.scope,
		"property", p.Identifier,
		"property_id", p.ID,
		"operation", op,
		"valid", next.Valid,
		"pending", next.Pending.String(),
	)
	m.emit(ctx, Event{Type: evType, Operation: op, Scope: m.scope, Property: p.DeepCopy(), State: next.Clone()})
	return next, nil
}

func (m *Manager) emit(ctx context.Context, ev Event) {
	m.mu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()

	for _, fn := range observers {
		fn(ctx, ev)
	}

	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, EventSource, ev.RoutingKey(), ev); err != nil {
			m.logger.Warn("publishing state event failed", "routing_key", ev.RoutingKey(), "error", err)
		}
	}
}

// Managers bundles one manager per scope over a shared store.
type Managers struct {
	Connector *Manager
	Device    *Manager
	Channel   *Manager
	store     Store
}

// NewManagers creates connector, device and channel managers over store.
func NewManagers(store Store) *Managers {
	return &Managers{
		Connector: NewManager(topology.ScopeConnector, store),
		Device:    NewManager(topology.ScopeDevice, store),
		Channel:   NewManager(topology.ScopeChannel, store),
		store:     store,
	}
}

// Store returns the shared store.
func (ms *Managers) Store() Store { return ms.store }

// All returns the three managers.
func (ms *Managers) All() []*Manager {
	return []*Manager{ms.Connector, ms.Device, ms.Channel}
}

// For returns the manager serving scope, or nil for an unknown scope.
func (ms *Managers) For(scope topology.Scope) *Manager {
	switch scope {
	case topology.ScopeConnector:
		return ms.Connector
	case topology.ScopeDevice:
		return ms.Device
	case topology.ScopeChannel:
		return ms.Channel
	}
	return nil
}

// ForProperty returns the manager serving p's owner scope.
func (ms *Managers) ForProperty(p *topology.Property) (*Manager, error) {
	if p == nil {
		return nil, topology.ErrPropertyNotFound
	}
	m := ms.For(p.Owner.Scope)
	if m == nil {
		return nil, fmt.Errorf("%w: unknown scope %q", ErrScopeMismatch, p.Owner.Scope)
	}
	return m, nil
}

// SetLogger sets the logger on every manager.
func (ms *Managers) SetLogger(logger Logger) {
	for _, m := range ms.All() {
		m.SetLogger(logger)
	}
}

// SetPublisher sets the publisher on every manager.
func (ms *Managers) SetPublisher(p Publisher) {
	for _, m := range ms.All() {
		m.SetPublisher(p)
	}
}

// Observe registers fn on every manager.
func (ms *Managers) Observe(fn Observer) {
	for _, m := range ms.All() {
		m.Observe(fn)
	}
}
