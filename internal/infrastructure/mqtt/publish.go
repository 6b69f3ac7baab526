package mqtt

import (
	"encoding/json"
	"fmt"
)

// maxPayloadSize caps a single payload.
const maxPayloadSize = 1 << 20

// Publish sends payload and waits for the acknowledgement qos calls for.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkPublish(topic, payload, qos); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.paho.Publish(topic, qos, retained, payload), operationTimeout, ErrPublishFailed)
}

// PublishJSON encodes document and publishes it at the default QoS.
func (c *Client) PublishJSON(topic string, document any, retained bool) error {
	payload, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrPublishFailed, topic, err)
	}
	return c.Publish(topic, payload, c.QoS(), retained)
}

func checkPublish(topic string, payload []byte, qos byte) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: %d byte payload exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	return nil
}
