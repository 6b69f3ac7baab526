package homie

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-hub/internal/connector"
	"github.com/nerrad567/gray-logic-hub/internal/consumer"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

type published struct {
	topic   string
	payload string
}

type fakeBroker struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	handlers   map[string]mqtt.MessageHandler
	published  []published
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{connected: true, handlers: map[string]mqtt.MessageHandler{}}
}

func (b *fakeBroker) Publish(topic string, payload []byte, _ byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, published{topic, string(payload)})
	return nil
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

func (b *fakeBroker) IsConnected() bool { return b.connected }

func (b *fakeBroker) QoS() byte { return 1 }

// deliver routes a publish to the handler whose filter has the same depth.
func (b *fakeBroker) deliver(t *testing.T, topic, payload string) error {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	depth := strings.Count(topic, "/")
	for filter, h := range b.handlers {
		if strings.Count(filter, "/") == depth {
			return h(topic, []byte(payload))
		}
	}
	t.Fatalf("no subscription matches %s", topic)
	return nil
}

type fakeTopology struct {
	devices  map[string]*topology.Device
	channels map[string]*topology.Channel
}

func (f *fakeTopology) GetDevice(_ context.Context, id string) (*topology.Device, error) {
	if d, ok := f.devices[id]; ok {
		return d, nil
	}
	return nil, topology.ErrDeviceNotFound
}

func (f *fakeTopology) GetChannel(_ context.Context, id string) (*topology.Channel, error) {
	if c, ok := f.channels[id]; ok {
		return c, nil
	}
	return nil, topology.ErrChannelNotFound
}

type fakeSink struct {
	msgs []consumer.Message
	err  error
}

func (s *fakeSink) TryEnqueue(msg consumer.Message) error {
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

type fixture struct {
	client *Client
	broker *fakeBroker
	sink   *fakeSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	topo := &fakeTopology{
		devices: map[string]*topology.Device{
			"dev-1": {ID: "dev-1", Identifier: "shelly1"},
		},
		channels: map[string]*topology.Channel{
			"ch-1": {ID: "ch-1", Identifier: "relay_0", DeviceID: "dev-1"},
		},
	}
	f := &fixture{broker: newFakeBroker(), sink: &fakeSink{}}
	conn := topology.Connector{ID: "conn-1", Identifier: "shelly", Type: Type}
	f.client = New(conn, "homie/", f.broker, topo, f.sink)
	require.NoError(t, f.client.Connect(context.Background()))
	return f
}

func TestConnect(t *testing.T) {
	f := newFixture(t)
	assert.Len(t, f.broker.handlers, 2)
	assert.Contains(t, f.broker.handlers, "homie/+/+")
	assert.Contains(t, f.broker.handlers, "homie/+/+/+")

	// Reconnecting is a no-op.
	require.NoError(t, f.client.Connect(context.Background()))
	assert.Len(t, f.broker.handlers, 2)

	require.NoError(t, f.client.Disconnect(context.Background()))
	assert.Empty(t, f.broker.handlers)
}

func TestConnect_BrokerDown(t *testing.T) {
	broker := newFakeBroker()
	broker.connected = false
	c := New(topology.Connector{ID: "c", Identifier: "shelly"}, "", broker, &fakeTopology{}, &fakeSink{})

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, mqtt.ErrNotConnected)
	state, fatal := connector.Classify(err)
	assert.Equal(t, topology.StateLost, state)
	assert.False(t, fatal)
	assert.Equal(t, "shelly", c.base)
}

func TestTranslate(t *testing.T) {
	conn := topology.Ref{ID: "conn-1"}
	dev := topology.Ref{Identifier: "shelly1"}
	invalid := false

	tests := []struct {
		name    string
		topic   string
		payload string
		want    consumer.Message
	}{
		{
			name:    "ready state",
			topic:   "homie/shelly1/$state",
			payload: "ready",
			want:    consumer.ConnectionStateReported{Connector: conn, Device: dev, State: topology.StateConnected},
		},
		{
			name:    "lost state",
			topic:   "homie/shelly1/$state",
			payload: "lost",
			want:    consumer.ConnectionStateReported{Connector: conn, Device: dev, State: topology.StateLost},
		},
		{
			name:    "unknown state",
			topic:   "homie/shelly1/$state",
			payload: "rebooting",
			want:    consumer.ConnectionStateReported{Connector: conn, Device: dev, State: topology.StateUnknown},
		},
		{
			name:    "device number",
			topic:   "homie/shelly1/rssi",
			payload: "-61",
			want: consumer.PropertyReported{
				Target: consumer.Target{Connector: conn, Device: dev, Property: topology.Ref{Identifier: "rssi"}},
				Value:  float64(-61),
			},
		},
		{
			name:    "channel string",
			topic:   "homie/shelly1/relay_0/switch",
			payload: "on",
			want: consumer.PropertyReported{
				Target: consumer.Target{
					Connector: conn, Device: dev,
					Channel:  topology.Ref{Identifier: "relay_0"},
					Property: topology.Ref{Identifier: "switch"},
				},
				Value: "on",
			},
		},
		{
			name:  "cleared value",
			topic: "homie/shelly1/rssi",
			want: consumer.PropertyReported{
				Target: consumer.Target{Connector: conn, Device: dev, Property: topology.Ref{Identifier: "rssi"}},
				Valid:  &invalid,
			},
		},
		{
			name:    "definition",
			topic:   "homie/shelly1/$definition",
			payload: `{"name":"Hall","properties":[{"identifier":"rssi","kind":"dynamic","data_type":"integer"}]}`,
			want: consumer.DeviceStored{Connector: conn, Device: consumer.DeviceSpec{
				Identifier: "shelly1",
				Name:       "Hall",
				Properties: []consumer.PropertySpec{{Identifier: "rssi", Kind: topology.KindDynamic, DataType: topology.DataTypeInteger}},
			}},
		},
		{
			name:  "definition cleared",
			topic: "homie/shelly1/$definition",
			want:  consumer.DeviceRemoved{Connector: conn, Device: dev},
		},
		{name: "set echo", topic: "homie/shelly1/rssi/set", payload: "-40"},
		{
			name:    "device property named set",
			topic:   "homie/shelly1/set",
			payload: "21",
			want: consumer.PropertyReported{
				Target: consumer.Target{Connector: conn, Device: dev, Property: topology.Ref{Identifier: "set"}},
				Value:  float64(21),
			},
		},
		{name: "own poll", topic: "homie/shelly1/$poll"},
		{name: "other attribute", topic: "homie/shelly1/$fw", payload: "1.2"},
		{name: "channel attribute", topic: "homie/shelly1/relay_0/$name", payload: "Relay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.broker.deliver(t, tt.topic, tt.payload))
			if tt.want == nil {
				assert.Empty(t, f.sink.msgs)
				return
			}
			require.Len(t, f.sink.msgs, 1)
			assert.Equal(t, tt.want, f.sink.msgs[0])
		})
	}
}

func TestConnect_ChannelWriteTopicsNotSubscribed(t *testing.T) {
	f := newFixture(t)
	for filter := range f.broker.handlers {
		assert.NotEqual(t, strings.Count("homie/shelly1/relay_0/switch/set", "/"), strings.Count(filter, "/"),
			"channel write echoes must not reach the client")
	}
}

func TestHandle_Errors(t *testing.T) {
	f := newFixture(t)
	err := f.broker.deliver(t, "homie/shelly1/$definition", "{not json")
	assert.ErrorIs(t, err, consumer.ErrMalformedDefinition)

	f.sink.err = consumer.ErrQueueFull
	err = f.broker.deliver(t, "homie/shelly1/rssi", "-40")
	assert.ErrorIs(t, err, consumer.ErrQueueFull)
}

func TestWriteState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.WriteState(ctx, &topology.Property{
		Identifier: "switch", Owner: topology.ChannelOwner("ch-1"),
	}, "on"))
	require.NoError(t, f.client.WriteState(ctx, &topology.Property{
		Identifier: "brightness", Owner: topology.DeviceOwner("dev-1"),
	}, 40))

	assert.Equal(t, []published{
		{"homie/shelly1/relay_0/switch/set", "on"},
		{"homie/shelly1/brightness/set", "40"},
	}, f.broker.published)
}

func TestWriteState_Failures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		prop  *topology.Property
		setup func(*fixture)
		want  topology.ConnectionState
	}{
		{
			name: "connector scope",
			prop: &topology.Property{Identifier: "uptime", Owner: topology.ConnectorOwner("conn-1")},
			want: topology.StateStopped,
		},
		{
			name: "device missing",
			prop: &topology.Property{Identifier: "switch", Owner: topology.DeviceOwner("gone")},
			want: topology.StateAlert,
		},
		{
			name:  "broker dropped",
			prop:  &topology.Property{Identifier: "switch", Owner: topology.DeviceOwner("dev-1")},
			setup: func(f *fixture) { f.broker.publishErr = mqtt.ErrNotConnected },
			want:  topology.StateLost,
		},
		{
			name:  "publish timeout",
			prop:  &topology.Property{Identifier: "switch", Owner: topology.DeviceOwner("dev-1")},
			setup: func(f *fixture) { f.broker.publishErr = errors.New("mqtt: publish failed: timeout") },
			want:  topology.StateLost,
		},
		{
			name:  "disconnected client",
			prop:  &topology.Property{Identifier: "switch", Owner: topology.DeviceOwner("dev-1")},
			setup: func(f *fixture) { require.NoError(t, f.client.Disconnect(ctx)) },
			want:  topology.StateLost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			err := f.client.WriteState(ctx, tt.prop, "on")
			require.Error(t, err)
			state, fatal := connector.Classify(err)
			assert.Equal(t, tt.want, state)
			assert.False(t, fatal)
		})
	}
}

func TestReadState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.ReadState(context.Background(), &topology.Device{ID: "dev-1", Identifier: "shelly1"}))
	assert.Equal(t, []published{{"homie/shelly1/$poll", ""}}, f.broker.published)
}
