// Package exchange fans engine events out to their consumers.
//
// The topology registry, the state managers and the consumer pipeline all
// publish through the same Publisher interface: a source name, a dotted
// routing key such as "channel.property.state.updated" and a JSON-encodable
// document. The publishers here route those events to MQTT, WebSocket
// clients and InfluxDB history.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hub/internal/state"
)

// Publisher receives routed documents.
type Publisher interface {
	Publish(ctx context.Context, source, routingKey string, document any) error
}

// Nop discards everything.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, string, any) error { return nil }

// Multi publishes to every member and joins their errors.
type Multi []Publisher

// NewMulti builds a Multi, skipping nil publishers.
func NewMulti(pubs ...Publisher) Multi {
	m := make(Multi, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			m = append(m, p)
		}
	}
	return m
}

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, source, routingKey string, document any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, source, routingKey, document); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONPublisher is the part of the MQTT client MQTT needs.
type JSONPublisher interface {
	PublishJSON(topic string, document any, retained bool) error
}

// MQTT publishes each event on graylogic/hub/events/<source>/<routing/key>.
type MQTT struct {
	client JSONPublisher
	topics mqtt.Topics
}

// NewMQTT creates an MQTT publisher.
func NewMQTT(client JSONPublisher) *MQTT {
	return &MQTT{client: client}
}

// Publish implements Publisher.
func (p *MQTT) Publish(_ context.Context, source, routingKey string, document any) error {
	topic := p.topics.Event(source, routingKey)
	if err := p.client.PublishJSON(topic, document, false); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

// Broadcaster is a WebSocket hub.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// WebSocket broadcasts each event on the channel "<source>.<routing key>".
type WebSocket struct {
	hub Broadcaster
}

// NewWebSocket creates a WebSocket publisher.
func NewWebSocket(hub Broadcaster) *WebSocket {
	return &WebSocket{hub: hub}
}

// Publish implements Publisher.
func (p *WebSocket) Publish(_ context.Context, source, routingKey string, document any) error {
	p.hub.Broadcast(Channel(source, routingKey), document)
	return nil
}

// Channel is the WebSocket channel name for an event.
func Channel(source, routingKey string) string {
	return source + "." + routingKey
}

// PointWriter stores property state samples.
type PointWriter interface {
	WritePropertyState(p influxdb.PropertyPoint)
}

// History records state manager events as time series points. Deletions
// and events from other sources are ignored.
type History struct {
	writer PointWriter
}

// NewHistory creates a History publisher.
func NewHistory(w PointWriter) *History {
	return &History{writer: w}
}

// Publish implements Publisher.
func (h *History) Publish(_ context.Context, source, _ string, document any) error {
	if source != state.EventSource {
		return nil
	}
	var ev state.Event
	switch d := document.(type) {
	case state.Event:
		ev = d
	case *state.Event:
		if d == nil {
			return nil
		}
		ev = *d
	default:
		return fmt.Errorf("history: unexpected %T document", document)
	}
	if ev.Type == state.StateDeleted || ev.State == nil || ev.Property == nil {
		return nil
	}

	h.writer.WritePropertyState(influxdb.PropertyPoint{
		PropertyID: ev.Property.ID,
		Identifier: ev.Property.Identifier,
		Scope:      string(ev.Scope),
		OwnerID:    ev.Property.Owner.ID,
		Event:      string(ev.Type),
		Value:      ev.State.ActualValue,
		Valid:      ev.State.Valid,
		Pending:    !ev.State.Pending.IsIdle(),
		At:         ev.State.UpdatedAt,
	})
	return nil
}
