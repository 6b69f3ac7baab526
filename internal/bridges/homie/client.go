package homie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-hub/internal/connector"
	"github.com/nerrad567/gray-logic-hub/internal/consumer"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// Type is the connector type served by this package.
const Type = "mqtt"

const (
	attrState      = "$state"
	attrDefinition = "$definition"
	attrPoll       = "$poll"
	setSuffix      = "set"
)

// Broker is the part of the MQTT client the connector needs.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	QoS() byte
}

// Topology looks up the entities a write addresses.
type Topology interface {
	GetDevice(ctx context.Context, id string) (*topology.Device, error)
	GetChannel(ctx context.Context, id string) (*topology.Channel, error)
}

// Sink receives translated messages.
type Sink interface {
	TryEnqueue(msg consumer.Message) error
}

// Logger defines the logging interface used by the client.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Client implements connector.Client over a shared MQTT broker connection.
type Client struct {
	connector topology.Connector
	base      string
	broker    Broker
	topology  Topology
	sink      Sink

	mu         sync.Mutex
	subscribed []string

	logger Logger
}

var _ connector.Client = (*Client)(nil)

// New creates a client for conn rooted at baseTopic. An empty baseTopic
// falls back to the connector identifier.
func New(conn topology.Connector, baseTopic string, broker Broker, topo Topology, sink Sink) *Client {
	base := strings.Trim(baseTopic, "/")
	if base == "" {
		base = conn.Identifier
	}
	return &Client{
		connector: conn,
		base:      base,
		broker:    broker,
		topology:  topo,
		sink:      sink,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger.
func (c *Client) SetLogger(logger Logger) { c.logger = logger }

// Connect subscribes to the connector's device topics.
func (c *Client) Connect(_ context.Context) error {
	if !c.broker.IsConnected() {
		return &connector.WriteError{StatusCode: 503, Err: mqtt.ErrNotConnected}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscribed) > 0 {
		return nil
	}
	for _, filter := range []string{c.base + "/+/+", c.base + "/+/+/+"} {
		if err := c.broker.Subscribe(filter, c.broker.QoS(), c.handle); err != nil {
			c.unsubscribeLocked()
			return fmt.Errorf("subscribing %s: %w", filter, err)
		}
		c.subscribed = append(c.subscribed, filter)
	}
	return nil
}

// Disconnect drops the connector's subscriptions. The broker connection is
// shared and stays open.
func (c *Client) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribeLocked()
}

func (c *Client) unsubscribeLocked() error {
	var errs []error
	for _, filter := range c.subscribed {
		if err := c.broker.Unsubscribe(filter); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			errs = append(errs, fmt.Errorf("unsubscribing %s: %w", filter, err))
		}
	}
	c.subscribed = nil
	return errors.Join(errs...)
}

func (c *Client) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribed) > 0
}

// ReadState asks dev to republish its values.
func (c *Client) ReadState(_ context.Context, dev *topology.Device) error {
	return c.publish(c.base+"/"+dev.Identifier+"/"+attrPoll, nil)
}

// WriteState publishes value to the property's set topic.
func (c *Client) WriteState(ctx context.Context, prop *topology.Property, value any) error {
	topic, err := c.valueTopic(ctx, prop)
	if err != nil {
		return err
	}
	payload, err := encodeValue(value)
	if err != nil {
		return &connector.WriteError{StatusCode: 400, Err: err}
	}
	return c.publish(topic+"/"+setSuffix, payload)
}

func (c *Client) publish(topic string, payload []byte) error {
	if !c.running() {
		return &connector.WriteError{StatusCode: 503, Err: ErrNotRunning}
	}
	if err := c.broker.Publish(topic, payload, c.broker.QoS(), false); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			return &connector.WriteError{StatusCode: 503, Err: err}
		}
		return &connector.WriteError{Timeout: true, Err: err}
	}
	return nil
}

// valueTopic returns the topic prop's values are reported on.
func (c *Client) valueTopic(ctx context.Context, prop *topology.Property) (string, error) {
	var deviceID, channel string
	switch prop.Owner.Scope {
	case topology.ScopeDevice:
		deviceID = prop.Owner.ID
	case topology.ScopeChannel:
		ch, err := c.topology.GetChannel(ctx, prop.Owner.ID)
		if err != nil {
			return "", &connector.WriteError{Recoverable: true, Err: err}
		}
		deviceID, channel = ch.DeviceID, ch.Identifier
	default:
		return "", &connector.WriteError{StatusCode: 400, Err: fmt.Errorf("%w: %s", ErrUnsupportedScope, prop.Owner.Scope)}
	}

	dev, err := c.topology.GetDevice(ctx, deviceID)
	if err != nil {
		return "", &connector.WriteError{Recoverable: true, Err: err}
	}
	parts := []string{c.base, dev.Identifier}
	if channel != "" {
		parts = append(parts, channel)
	}
	return strings.Join(append(parts, prop.Identifier), "/"), nil
}

// handle translates one inbound publish.
func (c *Client) handle(topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, c.base+"/")
	if !ok {
		return nil
	}
	msg, err := c.translate(strings.Split(rest, "/"), payload)
	if err != nil || msg == nil {
		return err
	}
	if err := c.sink.TryEnqueue(msg); err != nil {
		return fmt.Errorf("queueing %s from %s: %w", msg.Kind(), topic, err)
	}
	return nil
}

// translate turns topic segments below the base into a message. It returns
// nil for topics that carry nothing for the engine.
func (c *Client) translate(parts []string, payload []byte) (consumer.Message, error) {
	connRef := topology.Ref{ID: c.connector.ID}
	device := topology.Ref{Identifier: parts[0]}

	switch len(parts) {
	case 2:
		switch attr := parts[1]; {
		case attr == attrState:
			state, known := mapState(string(payload))
			if !known {
				c.logger.Warn("unknown device state", "connector", c.connector.Identifier, "device", parts[0], "state", string(payload))
			}
			return consumer.ConnectionStateReported{Connector: connRef, Device: device, State: state}, nil
		case attr == attrDefinition:
			return c.definition(connRef, parts[0], payload)
		case strings.HasPrefix(attr, "$"):
			return nil, nil
		}
		return c.reported(consumer.Target{Connector: connRef, Device: device, Property: topology.Ref{Identifier: parts[1]}}, payload), nil

	case 3:
		if strings.HasPrefix(parts[1], "$") || strings.HasPrefix(parts[2], "$") {
			return nil, nil
		}
		// <device>/<property>/set is our own device write coming back, so
		// "set" cannot name a channel property.
		if parts[2] == setSuffix {
			return nil, nil
		}
		return c.reported(consumer.Target{
			Connector: connRef,
			Device:    device,
			Channel:   topology.Ref{Identifier: parts[1]},
			Property:  topology.Ref{Identifier: parts[2]},
		}, payload), nil
	}
	return nil, nil
}

func (c *Client) definition(connRef topology.Ref, device string, payload []byte) (consumer.Message, error) {
	if len(payload) == 0 {
		return consumer.DeviceRemoved{Connector: connRef, Device: topology.Ref{Identifier: device}}, nil
	}
	var spec consumer.DeviceSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return nil, fmt.Errorf("%w: device %s definition: %w", consumer.ErrMalformedDefinition, device, err)
	}
	spec.Identifier = device
	for _, ch := range spec.Channels {
		for _, p := range ch.Properties {
			if p.Identifier == setSuffix {
				c.logger.Warn("channel property name is reserved, its reports are ignored",
					"connector", c.connector.Identifier, "device", device, "channel", ch.Identifier, "property", p.Identifier)
			}
		}
	}
	return consumer.DeviceStored{Connector: connRef, Device: spec}, nil
}

// reported builds a value report. An empty payload clears the value.
func (c *Client) reported(target consumer.Target, payload []byte) consumer.Message {
	if len(payload) == 0 {
		valid := false
		return consumer.PropertyReported{Target: target, Valid: &valid}
	}
	return consumer.PropertyReported{Target: target, Value: decodeValue(payload)}
}

// mapState maps a Homie $state payload to a connection state.
func mapState(payload string) (topology.ConnectionState, bool) {
	switch strings.TrimSpace(payload) {
	case "ready", "sleeping":
		return topology.StateConnected, true
	case "init":
		return topology.StateUnknown, true
	case "disconnected":
		return topology.StateDisconnected, true
	case "lost":
		return topology.StateLost, true
	case "alert":
		return topology.StateAlert, true
	}
	return topology.StateUnknown, false
}

// decodeValue reads payload as JSON, falling back to the raw string.
func decodeValue(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}

// encodeValue renders strings raw and everything else as JSON.
func encodeValue(value any) ([]byte, error) {
	if s, ok := value.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(value)
}
