package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

func (p *Pipeline) handleDeviceStored(ctx context.Context, msg Message) (bool, error) {
	m, ok := msg.(DeviceStored)
	if !ok {
		return false, nil
	}
	if m.Device.Identifier == "" {
		return true, fmt.Errorf("%w: device without identifier", ErrMalformedDefinition)
	}

	var rec *reconciler
	err := p.topology.WithTx(ctx, func(tx *topology.Registry) error {
		rec = &reconciler{tx: tx, logger: p.logger, removedIDs: make(map[string]bool)}
		return rec.device(ctx, m.Connector, m.Device)
	})
	if err != nil {
		t := Target{Connector: m.Connector, Device: topology.Ref{Identifier: m.Device.Identifier}}
		if isUnresolved(err) && rec != nil && rec.connector == nil {
			return p.dropUnresolved(m.Kind(), t, err)
		}
		return true, err
	}

	p.dropStates(ctx, rec.removed)
	p.logger.Debug("device stored",
		"connector", rec.connector.Identifier,
		"device", m.Device.Identifier,
		"device_id", rec.deviceID,
		"changes", rec.changes,
		"removed_properties", len(rec.removed),
	)
	return true, nil
}

// reconciler brings one device subtree in line with a reported definition.
// Entities are only written when they differ, so replaying the same
// definition is a no-op.
type reconciler struct {
	tx     *topology.Registry
	logger Logger

	connector *topology.Connector
	deviceID  string

	// deviceProps maps device-level identifiers to IDs for mapped parent lookup.
	deviceProps map[string]string

	removed    []topology.Property
	removedIDs map[string]bool
	changes    int
}

func (r *reconciler) device(ctx context.Context, connRef topology.Ref, spec DeviceSpec) error {
	conn, err := r.tx.FindConnector(ctx, connRef)
	if err != nil {
		return err
	}
	r.connector = conn

	parents := make([]string, 0, len(spec.Parents))
	for _, ident := range spec.Parents {
		parent, err := r.tx.FindDevice(ctx, conn.ID, topology.Ref{Identifier: ident})
		if errors.Is(err, topology.ErrDeviceNotFound) {
			r.logger.Warn("skipping unknown parent device", "device", spec.Identifier, "parent", ident)
			continue
		}
		if err != nil {
			return err
		}
		parents = append(parents, parent.ID)
	}
	sort.Strings(parents)

	dev, err := r.tx.FindDevice(ctx, conn.ID, topology.Ref{Identifier: spec.Identifier})
	switch {
	case errors.Is(err, topology.ErrDeviceNotFound):
		dev = &topology.Device{Identifier: spec.Identifier, ConnectorID: conn.ID}
	case err != nil:
		return err
	}

	if dev.ID == "" || dev.Name != spec.Name || !equalStrings(dev.Parents, parents) {
		dev.Name = spec.Name
		dev.Parents = parents
		if err := r.tx.SaveDevice(ctx, dev); err != nil {
			return err
		}
		r.changes++
	}
	r.deviceID = dev.ID

	owner := topology.DeviceOwner(dev.ID)
	r.deviceProps = make(map[string]string)
	if err := r.properties(ctx, owner, spec.Properties, r.deviceProps); err != nil {
		return err
	}
	if err := r.controls(ctx, owner, spec.Controls); err != nil {
		return err
	}
	return r.channels(ctx, dev.ID, spec.Channels)
}

func (r *reconciler) channels(ctx context.Context, deviceID string, specs []ChannelSpec) error {
	existing, err := r.tx.ListChannels(ctx, deviceID)
	if err != nil {
		return err
	}
	byIdent := make(map[string]topology.Channel, len(existing))
	for _, ch := range existing {
		byIdent[ch.Identifier] = ch
	}

	for _, spec := range specs {
		ch, ok := byIdent[spec.Identifier]
		delete(byIdent, spec.Identifier)
		if !ok || ch.Name != spec.Name {
			if !ok {
				ch = topology.Channel{Identifier: spec.Identifier, DeviceID: deviceID}
			}
			ch.Name = spec.Name
			if err := r.tx.SaveChannel(ctx, &ch); err != nil {
				return err
			}
			r.changes++
		}

		owner := topology.ChannelOwner(ch.ID)
		if err := r.properties(ctx, owner, spec.Properties, make(map[string]string)); err != nil {
			return err
		}
		if err := r.controls(ctx, owner, spec.Controls); err != nil {
			return err
		}
	}

	for _, ch := range byIdent {
		removed, err := r.tx.DeleteChannel(ctx, ch.ID)
		if err != nil {
			return err
		}
		r.remove(removed)
		r.changes++
	}
	return nil
}

// properties reconciles the properties directly under owner. Mapped
// properties go last so parents defined in the same message exist first.
func (r *reconciler) properties(ctx context.Context, owner topology.Owner, specs []PropertySpec, local map[string]string) error {
	existing, err := r.tx.ListProperties(ctx, topology.PropertyQuery{Owner: &owner})
	if err != nil {
		return err
	}
	byIdent := make(map[string]topology.Property, len(existing))
	for _, prop := range existing {
		byIdent[prop.Identifier] = prop
	}

	ordered := append([]PropertySpec(nil), specs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Kind != topology.KindMapped && ordered[j].Kind == topology.KindMapped
	})

	for _, spec := range ordered {
		cur, ok := byIdent[spec.Identifier]
		delete(byIdent, spec.Identifier)
		if ok && r.removedIDs[cur.ID] {
			ok = false
		}

		if ok && cur.Kind != spec.Kind {
			r.logger.Warn("property kind changed, recreating",
				"owner", owner.ID, "property", spec.Identifier, "from", cur.Kind, "to", spec.Kind)
			removed, err := r.tx.DeleteProperty(ctx, cur.ID)
			if err != nil {
				return err
			}
			r.remove(removed)
			ok = false
		}

		want, err := r.desired(ctx, owner, spec, local)
		if err != nil {
			return err
		}
		if ok {
			want.ID = cur.ID
			if want.Kind == topology.KindVariable && spec.Value == nil {
				want.Value = cur.Value
			}
			if sameDefinition(&cur, want) {
				local[spec.Identifier] = cur.ID
				continue
			}
		}

		if err := r.tx.SaveProperty(ctx, want); err != nil {
			return fmt.Errorf("property %s: %w", spec.Identifier, err)
		}
		local[spec.Identifier] = want.ID
		r.changes++
	}

	for _, prop := range byIdent {
		if r.removedIDs[prop.ID] {
			continue
		}
		removed, err := r.tx.DeleteProperty(ctx, prop.ID)
		if errors.Is(err, topology.ErrPropertyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		r.remove(removed)
		r.changes++
	}
	return nil
}

func (r *reconciler) desired(ctx context.Context, owner topology.Owner, spec PropertySpec, local map[string]string) (*topology.Property, error) {
	if !spec.Kind.Valid() {
		return nil, fmt.Errorf("%w: property %s has kind %q", ErrMalformedDefinition, spec.Identifier, spec.Kind)
	}
	if !spec.DataType.Valid() {
		return nil, fmt.Errorf("%w: property %s has data type %q", ErrMalformedDefinition, spec.Identifier, spec.DataType)
	}
	if err := spec.Format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: property %s: %v", ErrMalformedDefinition, spec.Identifier, err)
	}

	prop := &topology.Property{
		Identifier: spec.Identifier,
		Name:       spec.Name,
		Kind:       spec.Kind,
		Owner:      owner,
		DataType:   spec.DataType,
		Format:     spec.Format.DeepCopy(),
		Unit:       spec.Unit,
		Settable:   spec.Settable,
		Queryable:  spec.Queryable,
	}
	switch spec.Kind {
	case topology.KindVariable:
		prop.Value = topology.CopyValue(spec.Value)
	case topology.KindMapped:
		parentID, err := r.parentID(ctx, spec.Parent, local)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", spec.Identifier, err)
		}
		prop.ParentID = parentID
		prop.Virtual = spec.Virtual
	}
	return prop, nil
}

// parentID resolves a mapped parent given by ID, or by identifier among the
// owner's own properties and then the device's.
func (r *reconciler) parentID(ctx context.Context, ref string, local map[string]string) (string, error) {
	if ref == "" {
		return "", topology.ErrParentNotFound
	}
	if _, err := r.tx.GetProperty(ctx, ref); err == nil {
		return ref, nil
	}
	if id, ok := local[ref]; ok {
		return id, nil
	}
	if id, ok := r.deviceProps[ref]; ok {
		return id, nil
	}
	return "", topology.ErrParentNotFound
}

func (r *reconciler) controls(ctx context.Context, owner topology.Owner, idents []string) error {
	existing, err := r.tx.ListControls(ctx, owner)
	if err != nil {
		return err
	}
	byIdent := make(map[string]topology.Control, len(existing))
	for _, c := range existing {
		byIdent[c.Identifier] = c
	}

	for _, ident := range idents {
		if _, ok := byIdent[ident]; ok {
			delete(byIdent, ident)
			continue
		}
		c := &topology.Control{Identifier: ident, Owner: owner}
		if err := r.tx.SaveControl(ctx, c); err != nil {
			return err
		}
		r.changes++
	}

	for _, c := range byIdent {
		if err := r.tx.DeleteControl(ctx, c.ID); err != nil {
			return err
		}
		r.changes++
	}
	return nil
}

func (r *reconciler) remove(props []topology.Property) {
	for _, prop := range props {
		if r.removedIDs[prop.ID] {
			continue
		}
		r.removedIDs[prop.ID] = true
		r.removed = append(r.removed, prop)
	}
}

func sameDefinition(cur, want *topology.Property) bool {
	return cur.Name == want.Name &&
		cur.Kind == want.Kind &&
		cur.DataType == want.DataType &&
		reflect.DeepEqual(cur.Format, want.Format) &&
		cur.Unit == want.Unit &&
		cur.Settable == want.Settable &&
		cur.Queryable == want.Queryable &&
		cur.ParentID == want.ParentID &&
		cur.Virtual == want.Virtual &&
		topology.EqualValues(cur.Value, want.Value)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
