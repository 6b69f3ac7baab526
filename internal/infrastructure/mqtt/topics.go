package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every hub topic.
const TopicPrefix = "graylogic/hub"

// Topics provides builders for hub MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Inbound("shelly-1")          // graylogic/hub/shelly-1/inbound
//	topics.Event("state", "device.property.state.updated")
//	                                    // graylogic/hub/events/state/device/property/state/updated
type Topics struct{}

// Inbound is where a connector publishes message envelopes for the hub.
func (Topics) Inbound(connector string) string {
	return fmt.Sprintf("%s/%s/inbound", TopicPrefix, connector)
}

// Outbound is where the hub publishes write requests for a connector.
func (Topics) Outbound(connector string) string {
	return fmt.Sprintf("%s/%s/outbound", TopicPrefix, connector)
}

// Event is the exchange topic for a routing key. Dots become topic levels
// so subscribers can filter with wildcards.
func (Topics) Event(source, routingKey string) string {
	return fmt.Sprintf("%s/events/%s/%s", TopicPrefix, source, strings.ReplaceAll(routingKey, ".", "/"))
}

// SystemStatus carries the hub's retained online/offline status and LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllInbound matches every connector's inbound topic.
func (Topics) AllInbound() string {
	return TopicPrefix + "/+/inbound"
}

// AllEvents matches every exchange event.
func (Topics) AllEvents() string {
	return TopicPrefix + "/events/#"
}

// ConnectorFromInbound extracts the connector identifier from an inbound
// topic. It returns false for any other topic.
func (Topics) ConnectorFromInbound(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefix+"/")
	if !ok {
		return "", false
	}
	connector, ok := strings.CutSuffix(rest, "/inbound")
	if !ok || connector == "" || strings.Contains(connector, "/") {
		return "", false
	}
	return connector, true
}
