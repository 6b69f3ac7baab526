package topology

import (
	"context"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-hub/migrations"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background(), migrations.FS, migrations.Dir); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

func newTestRegistry(t *testing.T) (*Registry, *recordingPublisher) {
	t.Helper()
	db := openTestDB(t)
	reg := NewRegistry(NewSQLiteRepository(db.DB))
	pub := &recordingPublisher{}
	reg.SetPublisher(pub)
	return reg, pub
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, source, routingKey string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, source+"/"+routingKey)
	return nil
}

func (p *recordingPublisher) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// fixture is a connector with one device, one channel and a spread of properties.
type fixture struct {
	connector    *Connector
	device       *Device
	channel      *Channel
	manufacturer *Property // variable, device
	temperature  *Property // dynamic, channel
	switchOn     *Property // dynamic, channel
	on           *Property // mapped onto switchOn
}

func seedFixture(t *testing.T, reg *Registry) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		connector: &Connector{Identifier: "shelly-1", Name: "Shelly", Type: "mqtt", Enabled: true},
	}
	mustDo(t, reg.SaveConnector(ctx, f.connector))

	f.device = &Device{Identifier: "98cdac1eb419-shelly1", ConnectorID: f.connector.ID}
	mustDo(t, reg.SaveDevice(ctx, f.device))

	f.channel = &Channel{Identifier: "relay_0", DeviceID: f.device.ID}
	mustDo(t, reg.SaveChannel(ctx, f.channel))

	f.manufacturer = &Property{
		Identifier: "manufacturer", Kind: KindVariable, Owner: DeviceOwner(f.device.ID),
		DataType: DataTypeString, Value: "Allterco",
	}
	mustDo(t, reg.SaveProperty(ctx, f.manufacturer))

	f.temperature = &Property{
		Identifier: "temperature", Kind: KindDynamic, Owner: ChannelOwner(f.channel.ID),
		DataType: DataTypeFloat, Queryable: true,
	}
	mustDo(t, reg.SaveProperty(ctx, f.temperature))

	f.switchOn = &Property{
		Identifier: "switch_on", Kind: KindDynamic, Owner: ChannelOwner(f.channel.ID),
		DataType: DataTypeBoolean, Settable: true, Queryable: true,
	}
	mustDo(t, reg.SaveProperty(ctx, f.switchOn))

	f.on = &Property{
		Identifier: "on", Kind: KindMapped, Owner: ChannelOwner(f.channel.ID),
		DataType: DataTypeBoolean, ParentID: f.switchOn.ID, Settable: true,
	}
	mustDo(t, reg.SaveProperty(ctx, f.on))
	return f
}

func mustDo(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
