package topology

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistry_SaveAndFind(t *testing.T) {
	ctx := context.Background()
	reg, pub := newTestRegistry(t)
	f := seedFixture(t, reg)

	c, err := reg.FindConnector(ctx, Ref{Identifier: "shelly-1"})
	mustDo(t, err)
	if c.ID != f.connector.ID || c.State != ExecutionUnknown {
		t.Errorf("FindConnector() = %+v", c)
	}

	d, err := reg.FindDevice(ctx, f.connector.ID, Ref{Identifier: "98cdac1eb419-shelly1"})
	mustDo(t, err)
	if d.ConnectionState != StateUnknown {
		t.Errorf("new device ConnectionState = %q, want unknown", d.ConnectionState)
	}

	if _, err := reg.FindDevice(ctx, "other", Ref{ID: f.device.ID}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("FindDevice() under wrong connector error = %v, want ErrDeviceNotFound", err)
	}

	p, err := reg.FindProperty(ctx, ChannelOwner(f.channel.ID), Ref{Identifier: "temperature"})
	mustDo(t, err)
	if p.Kind != KindDynamic {
		t.Errorf("temperature kind = %q, want dynamic", p.Kind)
	}

	if got := pub.Keys(); len(got) != 7 || got[0] != "topology/connector.created" {
		t.Errorf("published %v, want 7 create events starting with connector.created", got)
	}
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	f := seedFixture(t, reg)

	p, err := reg.GetProperty(ctx, f.manufacturer.ID)
	mustDo(t, err)
	p.Value = "tampered"

	again, err := reg.GetProperty(ctx, f.manufacturer.ID)
	mustDo(t, err)
	if again.Value != "Allterco" {
		t.Errorf("cached value = %v, want Allterco", again.Value)
	}
}

func TestRegistry_MappedParentRules(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	f := seedFixture(t, reg)

	chain := &Property{
		Identifier: "on_inverted", Kind: KindMapped, Owner: ChannelOwner(f.channel.ID),
		DataType: DataTypeBoolean, ParentID: f.on.ID,
	}
	if err := reg.SaveProperty(ctx, chain); !errors.Is(err, ErrMappedParent) {
		t.Errorf("mapped onto mapped error = %v, want ErrMappedParent", err)
	}

	orphan := &Property{
		Identifier: "orphan", Kind: KindMapped, Owner: ChannelOwner(f.channel.ID),
		DataType: DataTypeBoolean, ParentID: "missing",
	}
	if err := reg.SaveProperty(ctx, orphan); !errors.Is(err, ErrParentNotFound) {
		t.Errorf("missing parent error = %v, want ErrParentNotFound", err)
	}

	// A property with mapped children cannot become mapped itself.
	parent, err := reg.GetProperty(ctx, f.switchOn.ID)
	mustDo(t, err)
	parent.Kind = KindMapped
	parent.ParentID = f.temperature.ID
	if err := reg.SaveProperty(ctx, parent); !errors.Is(err, ErrMappedParent) {
		t.Errorf("parent becoming mapped error = %v, want ErrMappedParent", err)
	}

	// Every stored mapped property points at a non-mapped parent.
	mapped, err := reg.ListProperties(ctx, PropertyQuery{Kind: KindMapped})
	mustDo(t, err)
	for _, m := range mapped {
		p, err := reg.GetProperty(ctx, m.ParentID)
		mustDo(t, err)
		if p.Kind == KindMapped {
			t.Errorf("mapped property %s has mapped parent %s", m.Identifier, p.Identifier)
		}
	}
}

func TestRegistry_DeviceParentCycle(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	f := seedFixture(t, reg)

	child := &Device{Identifier: "sub-1", ConnectorID: f.connector.ID, Parents: []string{f.device.ID}}
	mustDo(t, reg.SaveDevice(ctx, child))

	gateway, err := reg.GetDevice(ctx, f.device.ID)
	mustDo(t, err)
	gateway.Parents = []string{child.ID}
	if err := reg.SaveDevice(ctx, gateway); !errors.Is(err, ErrDeviceCycle) {
		t.Errorf("cyclic parent error = %v, want ErrDeviceCycle", err)
	}

	unknown := &Device{Identifier: "sub-2", ConnectorID: f.connector.ID, Parents: []string{"missing"}}
	if err := reg.SaveDevice(ctx, unknown); !errors.Is(err, ErrParentNotFound) {
		t.Errorf("missing parent error = %v, want ErrParentNotFound", err)
	}

	// Deleting the gateway strips it from the child's parents.
	_, err = reg.DeleteDevice(ctx, f.device.ID)
	mustDo(t, err)
	got, err := reg.GetDevice(ctx, child.ID)
	mustDo(t, err)
	if len(got.Parents) != 0 {
		t.Errorf("child parents after gateway delete = %v, want none", got.Parents)
	}
}

func TestRegistry_DeleteReturnsRemovedProperties(t *testing.T) {
	ctx := context.Background()
	reg, pub := newTestRegistry(t)
	f := seedFixture(t, reg)

	removed, err := reg.DeleteChannel(ctx, f.channel.ID)
	mustDo(t, err)

	want := []string{f.on.ID, f.switchOn.ID, f.temperature.ID}
	sort.Strings(want)
	if got := PropertyIDs(removed); !reflect.DeepEqual(got, want) {
		t.Errorf("DeleteChannel() removed = %v, want %v", got, want)
	}

	if _, err := reg.GetProperty(ctx, f.on.ID); !errors.Is(err, ErrPropertyNotFound) {
		t.Errorf("mapped child still cached after channel delete: %v", err)
	}
	keys := pub.Keys()
	if keys[len(keys)-1] != "topology/channel.deleted" {
		t.Errorf("last event = %s, want channel.deleted", keys[len(keys)-1])
	}

	// The cache matches the database after a reload.
	mustDo(t, reg.RefreshCache(ctx))
	if stats := reg.Stats(); stats.Properties != 1 || stats.Channels != 0 {
		t.Errorf("Stats() after refresh = %+v, want 1 property and 0 channels", stats)
	}
}

func TestRegistry_DeletePropertyTakesMappedChildren(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	f := seedFixture(t, reg)

	removed, err := reg.DeleteProperty(ctx, f.switchOn.ID)
	mustDo(t, err)
	if len(removed) != 2 {
		t.Errorf("DeleteProperty() removed = %v, want switch_on and on", removed)
	}
	children, err := reg.ListMappedChildren(ctx, f.switchOn.ID)
	mustDo(t, err)
	if len(children) != 0 {
		t.Errorf("mapped children after delete = %v, want none", children)
	}
}

func TestRegistry_ListPropertiesQuery(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	f := seedFixture(t, reg)

	tests := []struct {
		name  string
		query PropertyQuery
		want  int
	}{
		{"all", PropertyQuery{}, 4},
		{"device subtree", PropertyQuery{DeviceID: f.device.ID}, 4},
		{"device only", PropertyQuery{Owner: ptrOwner(DeviceOwner(f.device.ID))}, 1},
		{"dynamic under connector", PropertyQuery{ConnectorID: f.connector.ID, Kind: KindDynamic}, 2},
		{"mapped children", PropertyQuery{ParentID: f.switchOn.ID}, 1},
		{"other connector", PropertyQuery{ConnectorID: "nope"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.ListProperties(ctx, tt.query)
			mustDo(t, err)
			if len(got) != tt.want {
				t.Errorf("ListProperties() = %d properties, want %d", len(got), tt.want)
			}
		})
	}
}

func TestRegistry_StateSetters(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	f := seedFixture(t, reg)

	_, changed, err := reg.SetDeviceConnectionState(ctx, f.device.ID, StateConnected)
	mustDo(t, err)
	if !changed {
		t.Error("first transition to connected reported no change")
	}
	_, changed, err = reg.SetDeviceConnectionState(ctx, f.device.ID, StateConnected)
	mustDo(t, err)
	if changed {
		t.Error("repeated transition to connected reported a change")
	}

	c, err := reg.SetConnectorState(ctx, f.connector.ID, ExecutionRunning)
	mustDo(t, err)
	if c.State != ExecutionRunning {
		t.Errorf("connector state = %q, want running", c.State)
	}

	p, err := reg.SetPropertyValue(ctx, f.manufacturer.ID, "Shelly")
	mustDo(t, err)
	if p.Value != "Shelly" {
		t.Errorf("SetPropertyValue() value = %v", p.Value)
	}
	if _, err := reg.SetPropertyValue(ctx, f.temperature.ID, 21.5); !errors.Is(err, ErrNotVariable) {
		t.Errorf("SetPropertyValue(dynamic) error = %v, want ErrNotVariable", err)
	}

	// Persisted, not just cached.
	mustDo(t, reg.RefreshCache(ctx))
	d, err := reg.GetDevice(ctx, f.device.ID)
	mustDo(t, err)
	if d.ConnectionState != StateConnected {
		t.Errorf("persisted ConnectionState = %q, want connected", d.ConnectionState)
	}
}

func TestRegistry_ConcurrentConnectionStateChangesOnce(t *testing.T) {
	ctx := context.Background()
	reg, pub := newTestRegistry(t)
	f := seedFixture(t, reg)

	const callers = 16
	var wg sync.WaitGroup
	var changes atomic.Int32
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := reg.SetDeviceConnectionState(ctx, f.device.ID, StateLost)
			if err != nil {
				errs <- err
				return
			}
			if changed {
				changes.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("SetDeviceConnectionState() error = %v", err)
	}

	if got := changes.Load(); got != 1 {
		t.Errorf("%d callers saw a change, want 1", got)
	}
	var published int
	for _, k := range pub.Keys() {
		if k == "topology/device.connection_state" {
			published++
		}
	}
	if published != 1 {
		t.Errorf("published %d connection state events, want 1", published)
	}
}

func TestRegistry_WithTx(t *testing.T) {
	ctx := context.Background()
	reg, pub := newTestRegistry(t)
	f := seedFixture(t, reg)
	before := len(pub.Keys())

	t.Run("commit applies cache and events", func(t *testing.T) {
		err := reg.WithTx(ctx, func(tx *Registry) error {
			ch := &Channel{Identifier: "relay_1", DeviceID: f.device.ID}
			if err := tx.SaveChannel(ctx, ch); err != nil {
				return err
			}
			// The tx registry sees its own write.
			if _, err := tx.FindChannel(ctx, f.device.ID, Ref{Identifier: "relay_1"}); err != nil {
				return err
			}
			// The shared registry does not, yet.
			if _, err := reg.FindChannel(ctx, f.device.ID, Ref{Identifier: "relay_1"}); !errors.Is(err, ErrChannelNotFound) {
				t.Errorf("uncommitted channel visible outside tx: %v", err)
			}
			if len(pub.Keys()) != before {
				t.Error("event published before commit")
			}
			return nil
		})
		mustDo(t, err)

		if _, err := reg.FindChannel(ctx, f.device.ID, Ref{Identifier: "relay_1"}); err != nil {
			t.Errorf("committed channel not cached: %v", err)
		}
		if len(pub.Keys()) != before+1 {
			t.Errorf("events after commit = %d, want %d", len(pub.Keys()), before+1)
		}
	})

	t.Run("rollback leaves cache untouched", func(t *testing.T) {
		boom := errors.New("boom")
		err := reg.WithTx(ctx, func(tx *Registry) error {
			if _, err := tx.DeleteChannel(ctx, f.channel.ID); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("WithTx() error = %v, want boom", err)
		}
		if _, err := reg.GetChannel(ctx, f.channel.ID); err != nil {
			t.Errorf("channel gone from cache after rollback: %v", err)
		}
		mustDo(t, reg.RefreshCache(ctx))
		if _, err := reg.GetChannel(ctx, f.channel.ID); err != nil {
			t.Errorf("channel gone from database after rollback: %v", err)
		}
	})
}

func TestRegistry_ConnectorOf(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	f := seedFixture(t, reg)

	for _, owner := range []Owner{ConnectorOwner(f.connector.ID), DeviceOwner(f.device.ID), ChannelOwner(f.channel.ID)} {
		got, err := reg.ConnectorOf(ctx, owner)
		mustDo(t, err)
		if got != f.connector.ID {
			t.Errorf("ConnectorOf(%v) = %q, want %q", owner, got, f.connector.ID)
		}
	}
	if _, err := reg.ConnectorOf(ctx, ChannelOwner("missing")); !errors.Is(err, ErrConnectorNotFound) {
		t.Errorf("ConnectorOf(missing) error = %v, want ErrConnectorNotFound", err)
	}
}

func ptrOwner(o Owner) *Owner { return &o }
