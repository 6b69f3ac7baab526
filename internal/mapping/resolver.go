// Package mapping resolves mapped properties through their parent and
// translates values between the parent's and the mapped property's domain.
package mapping

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-hub/internal/state"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// Topology is the part of the configuration repository the resolver reads.
type Topology interface {
	GetProperty(ctx context.Context, id string) (*topology.Property, error)
	ListMappedChildren(ctx context.Context, parentID string) ([]topology.Property, error)
}

// Logger defines the logging interface used by the resolver.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Resolver reads and writes mapped properties through their parents.
type Resolver struct {
	topology Topology
	managers *state.Managers
	logger   Logger
}

// NewResolver creates a resolver.
func NewResolver(topo Topology, managers *state.Managers) *Resolver {
	return &Resolver{topology: topo, managers: managers, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (r *Resolver) SetLogger(logger Logger) { r.logger = logger }

// Install registers the resolver's mirror observer on every manager.
func (r *Resolver) Install() {
	r.managers.Observe(r.Mirror)
}

// Parent returns the parent of mapped property p.
func (r *Resolver) Parent(ctx context.Context, p *topology.Property) (*topology.Property, error) {
	if p.Kind != topology.KindMapped {
		return nil, fmt.Errorf("%w: %s", ErrNotMapped, p.Identifier)
	}
	parent, err := r.topology.GetProperty(ctx, p.ParentID)
	if err != nil {
		return nil, fmt.Errorf("resolving parent of %s: %w", p.Identifier, err)
	}
	if parent.Kind == topology.KindMapped {
		return nil, fmt.Errorf("%w: %s -> %s", topology.ErrMappedParent, p.Identifier, parent.Identifier)
	}
	return parent, nil
}

// FormatFor returns the format that translates parent values for p: p's own
// when it has one, else the parent's.
func FormatFor(p, parent *topology.Property) *topology.Format {
	if p.Format != nil {
		return p.Format
	}
	return parent.Format
}

// Read returns the current canonical value of p.
//
// With a dynamic parent the first non-nil of p's own expected value, the
// parent's expected value and the parent's valid actual value wins; parent
// values pass through the format. With a variable parent the parent's stored
// value is transformed.
func (r *Resolver) Read(ctx context.Context, p *topology.Property) (any, error) {
	parent, err := r.Parent(ctx, p)
	if err != nil {
		return nil, err
	}
	format := FormatFor(p, parent)

	switch parent.Kind {
	case topology.KindVariable:
		return format.Transform(parent.Value), nil

	case topology.KindDynamic:
		own, err := r.stateOf(ctx, p)
		if err != nil {
			return nil, err
		}
		if own != nil && own.ExpectedValue != nil {
			return own.ExpectedValue, nil
		}

		ps, err := r.stateOf(ctx, parent)
		if err != nil {
			return nil, err
		}
		if ps == nil {
			return nil, nil
		}
		if ps.ExpectedValue != nil {
			return format.Transform(ps.ExpectedValue), nil
		}
		return format.Transform(ps.Current()), nil
	}
	return nil, fmt.Errorf("%w: parent %s has kind %q", topology.ErrInvalidProperty, parent.Identifier, parent.Kind)
}

// WriteIntent records value as p's expected value on p's own state record.
// The owning connector's write scheduler later turns it into a device write
// against the parent.
func (r *Resolver) WriteIntent(ctx context.Context, p *topology.Property, value any) (*state.PropertyState, error) {
	parent, err := r.Parent(ctx, p)
	if err != nil {
		return nil, err
	}
	if parent.Kind == topology.KindVariable {
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyProjection, p.Identifier)
	}
	if !parent.Settable {
		return nil, fmt.Errorf("%w: %s maps %s, which is not settable", ErrReadOnlyProjection, p.Identifier, parent.Identifier)
	}
	if value != nil && FormatFor(p, parent).Inverse(value) == nil {
		return nil, fmt.Errorf("%w: %v for %s", ErrInvalidValue, value, p.Identifier)
	}

	m, err := r.managers.ForProperty(p)
	if err != nil {
		return nil, err
	}
	return m.Write(ctx, p, state.Update{ExpectedValue: state.Value(value)})
}

// DeviceValue converts a canonical value of p into the parent's domain.
func (r *Resolver) DeviceValue(ctx context.Context, p *topology.Property, value any) (any, error) {
	parent, err := r.Parent(ctx, p)
	if err != nil {
		return nil, err
	}
	return deviceValue(p, parent, value)
}

func deviceValue(p, parent *topology.Property, value any) (any, error) {
	out := FormatFor(p, parent).Inverse(value)
	if out == nil && value != nil {
		return nil, fmt.Errorf("%w: %v for %s", ErrInvalidValue, value, p.Identifier)
	}
	return out, nil
}

// Mirror copies confirmed parent reports onto every mapped child. It is an
// observer for state managers; failures are logged.
func (r *Resolver) Mirror(ctx context.Context, ev state.Event) {
	if ev.Property == nil || ev.Property.Kind != topology.KindDynamic || ev.State == nil {
		return
	}
	if ev.Operation != state.OpSet && ev.Operation != state.OpValid {
		return
	}

	children, err := r.topology.ListMappedChildren(ctx, ev.Property.ID)
	if err != nil {
		r.logger.Warn("listing mapped children failed", "property", ev.Property.Identifier, "error", err)
		return
	}

	for i := range children {
		child := &children[i]
		m, err := r.managers.ForProperty(child)
		if err != nil {
			r.logger.Warn("mirroring parent state failed", "property", child.Identifier, "error", err)
			continue
		}

		u := state.Update{Valid: state.Bool(ev.State.Valid)}
		if ev.Operation == state.OpSet {
			u.ActualValue = state.Value(FormatFor(child, ev.Property).Transform(ev.State.ActualValue))
		}
		if _, err := m.Set(ctx, child, u); err != nil {
			r.logger.Warn("mirroring parent state failed", "property", child.Identifier, "error", err)
			continue
		}
		r.logger.Debug("mirrored parent state", "parent", ev.Property.Identifier, "property", child.Identifier)
	}
}

func (r *Resolver) stateOf(ctx context.Context, p *topology.Property) (*state.PropertyState, error) {
	m, err := r.managers.ForProperty(p)
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, p)
}
