package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// envelopeHeader is the part of an envelope read before the body.
type envelopeHeader struct {
	Type Kind `json:"type"`
}

// DecodeEnvelope parses a JSON envelope of the form
//
//	{"type": "device_property_reported", "device": {"identifier": "..."}, ...}
//
// The remaining fields are those of the message named by type. A missing
// connector reference defaults to connector, the identifier taken from the
// topic the envelope arrived on.
func DecodeEnvelope(connector string, payload []byte) (Message, error) {
	var hdr envelopeHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	defaultRef := func(ref *topology.Ref) {
		if ref.IsZero() {
			ref.Identifier = connector
		}
	}

	switch hdr.Type {
	case KindConnectorPropertyReported, KindDevicePropertyReported, KindChannelPropertyReported:
		var m PropertyReported
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", hdr.Type, err)
		}
		defaultRef(&m.Connector)
		if m.Property.IsZero() {
			return nil, fmt.Errorf("%w: %s without property", ErrMalformedDefinition, hdr.Type)
		}
		if m.Kind() != hdr.Type {
			return nil, fmt.Errorf("%w: %s addresses a %s property", ErrMalformedDefinition, hdr.Type, m.Scope())
		}
		return m, nil

	case KindPropertyWriteRequested:
		var m PropertyWriteRequested
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", hdr.Type, err)
		}
		defaultRef(&m.Connector)
		if m.Property.IsZero() {
			return nil, fmt.Errorf("%w: %s without property", ErrMalformedDefinition, hdr.Type)
		}
		return m, nil

	case KindConnectionStateReported:
		var m ConnectionStateReported
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", hdr.Type, err)
		}
		defaultRef(&m.Connector)
		return m, nil

	case KindDeviceStored:
		var m DeviceStored
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", hdr.Type, err)
		}
		defaultRef(&m.Connector)
		return m, nil

	case KindDeviceRemoved:
		var m DeviceRemoved
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", hdr.Type, err)
		}
		defaultRef(&m.Connector)
		if m.Device.IsZero() {
			return nil, fmt.Errorf("%w: %s without device", ErrMalformedDefinition, hdr.Type)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, hdr.Type)
}

// EncodeEnvelope renders msg in the form DecodeEnvelope reads.
func EncodeEnvelope(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Kind(), err)
	}
	kind, err := json.Marshal(msg.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = kind
	return json.Marshal(fields)
}

// Subscriber is the part of the MQTT client the inbound bridge needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// SubscribeInbound feeds every connector's inbound topic into q. Envelopes
// that fail to decode, and messages arriving while q is full, are reported
// to the MQTT client's logger and dropped.
func SubscribeInbound(client Subscriber, qos byte, q *Queue) error {
	topics := mqtt.Topics{}
	return client.Subscribe(topics.AllInbound(), qos, func(topic string, payload []byte) error {
		connector, ok := topics.ConnectorFromInbound(topic)
		if !ok {
			return fmt.Errorf("unexpected inbound topic %q", topic)
		}
		msg, err := DecodeEnvelope(connector, payload)
		if err != nil {
			return err
		}
		return q.TryEnqueue(msg)
	})
}
