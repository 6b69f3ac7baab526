package cascade

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-hub/internal/state"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
	"github.com/nerrad567/gray-logic-hub/migrations"
)

type fixture struct {
	registry     *topology.Registry
	managers     *state.Managers
	cascade      *Cascade
	metrics      *Metrics
	connector    *topology.Connector
	device       *topology.Device
	other        *topology.Device
	temperature  *topology.Property
	power        *topology.Property
	otherPower   *topology.Property
	manufacturer *topology.Property
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(database.Config{Path: database.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx, migrations.FS, migrations.Dir))

	f := &fixture{
		registry: topology.NewRegistry(topology.NewSQLiteRepository(db.DB)),
		managers: state.NewManagers(state.NewMemoryStore()),
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	f.cascade = New(f.registry, f.managers)
	f.cascade.SetMetrics(f.metrics)

	f.connector = &topology.Connector{Identifier: "shelly-1", Type: "mqtt"}
	require.NoError(t, f.registry.SaveConnector(ctx, f.connector))

	f.device = &topology.Device{Identifier: "98cdac1eb419-shelly1", ConnectorID: f.connector.ID, ConnectionState: topology.StateConnected}
	require.NoError(t, f.registry.SaveDevice(ctx, f.device))
	f.other = &topology.Device{Identifier: "other-shelly", ConnectorID: f.connector.ID, ConnectionState: topology.StateConnected}
	require.NoError(t, f.registry.SaveDevice(ctx, f.other))

	channel := &topology.Channel{Identifier: "sensor_0", DeviceID: f.device.ID}
	require.NoError(t, f.registry.SaveChannel(ctx, channel))

	f.temperature = f.saveProperty(t, &topology.Property{
		Identifier: "temperature", Kind: topology.KindDynamic, Owner: topology.ChannelOwner(channel.ID),
		DataType: topology.DataTypeFloat,
	})
	f.power = f.saveProperty(t, &topology.Property{
		Identifier: "power", Kind: topology.KindDynamic, Owner: topology.DeviceOwner(f.device.ID),
		DataType: topology.DataTypeFloat,
	})
	f.otherPower = f.saveProperty(t, &topology.Property{
		Identifier: "power", Kind: topology.KindDynamic, Owner: topology.DeviceOwner(f.other.ID),
		DataType: topology.DataTypeFloat,
	})
	f.manufacturer = f.saveProperty(t, &topology.Property{
		Identifier: "manufacturer", Kind: topology.KindVariable, Owner: topology.DeviceOwner(f.device.ID),
		DataType: topology.DataTypeString, Value: "Allterco",
	})

	for _, p := range []*topology.Property{f.temperature, f.power, f.otherPower} {
		m, err := f.managers.ForProperty(p)
		require.NoError(t, err)
		_, err = m.Set(ctx, p, state.Update{ActualValue: state.Value(21.5), Valid: state.Bool(true)})
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) saveProperty(t *testing.T, p *topology.Property) *topology.Property {
	t.Helper()
	require.NoError(t, f.registry.SaveProperty(context.Background(), p))
	return p
}

func (f *fixture) valid(t *testing.T, p *topology.Property) bool {
	t.Helper()
	m, err := f.managers.ForProperty(p)
	require.NoError(t, err)
	st, err := m.Get(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st.Valid
}

func TestCascade_DisconnectInvalidatesDeviceAndChannels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.cascade.SetDeviceState(ctx, f.device.ID, topology.StateDisconnected))

	assert.False(t, f.valid(t, f.temperature), "channel property must be invalid")
	assert.False(t, f.valid(t, f.power), "device property must be invalid")
	assert.True(t, f.valid(t, f.otherPower), "other device is unaffected")

	manufacturer, err := f.registry.GetProperty(ctx, f.manufacturer.ID)
	require.NoError(t, err)
	assert.Equal(t, "Allterco", manufacturer.Value)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Invalidations))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Transitions.WithLabelValues("disconnected")))
}

func TestCascade_StatesThatInvalidate(t *testing.T) {
	tests := []struct {
		state      topology.ConnectionState
		invalidate bool
	}{
		{topology.StateDisconnected, true},
		{topology.StateAlert, true},
		{topology.StateUnknown, true},
		{topology.StateLost, false},
		{topology.StateStopped, false},
		{topology.StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.cascade.SetDeviceState(context.Background(), f.device.ID, tt.state))
			assert.Equal(t, !tt.invalidate, f.valid(t, f.temperature))
		})
	}
}

func TestCascade_ScenarioC_ConnectorStopped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.cascade.ConnectorStopped(ctx, f.connector.ID))

	c, err := f.registry.GetConnector(ctx, f.connector.ID)
	require.NoError(t, err)
	assert.Equal(t, topology.ExecutionStopped, c.State)

	d, err := f.registry.FindDevice(ctx, f.connector.ID, topology.Ref{Identifier: "98cdac1eb419-shelly1"})
	require.NoError(t, err)
	assert.Equal(t, topology.StateDisconnected, d.ConnectionState)

	assert.False(t, f.valid(t, f.temperature))
	assert.False(t, f.valid(t, f.otherPower))
}

func TestCascade_ConnectorStartedResetsToUnknown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.cascade.ConnectorStarted(ctx, f.connector.ID))

	devices, err := f.registry.ListDevices(ctx, f.connector.ID)
	require.NoError(t, err)
	for _, d := range devices {
		assert.Equal(t, topology.StateUnknown, d.ConnectionState, d.Identifier)
	}
	assert.False(t, f.valid(t, f.power))

	c, err := f.registry.GetConnector(ctx, f.connector.ID)
	require.NoError(t, err)
	assert.Equal(t, topology.ExecutionRunning, c.State)
}

// Variable values never change with connection state.
func TestCascade_ScenarioD_VariableUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, s := range topology.AllConnectionStates() {
		require.NoError(t, f.cascade.SetDeviceState(ctx, f.device.ID, s))
	}
	require.NoError(t, f.cascade.ConnectorStopped(ctx, f.connector.ID))

	p, err := f.registry.GetProperty(ctx, f.manufacturer.ID)
	require.NoError(t, err)
	assert.Equal(t, "Allterco", p.Value)

	m, err := f.managers.ForProperty(f.manufacturer)
	require.NoError(t, err)
	_, err = m.Get(ctx, f.manufacturer)
	assert.ErrorIs(t, err, state.ErrNotStateful)
}

func TestCascade_ReconcileRepairsPartialCascade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Simulate a crash between persisting the state and invalidating properties.
	_, _, err := f.registry.SetDeviceConnectionState(ctx, f.device.ID, topology.StateDisconnected)
	require.NoError(t, err)
	assert.True(t, f.valid(t, f.temperature))

	n, err := f.cascade.Reconcile(ctx, f.connector.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.valid(t, f.temperature))
	assert.True(t, f.valid(t, f.otherPower))

	// Running it again changes nothing further.
	n, err = f.cascade.Reconcile(ctx, f.connector.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.valid(t, f.temperature))
}

func TestCascade_UnknownDevice(t *testing.T) {
	f := newFixture(t)
	err := f.cascade.SetDeviceState(context.Background(), "missing", topology.StateDisconnected)
	assert.ErrorIs(t, err, topology.ErrDeviceNotFound)
}
