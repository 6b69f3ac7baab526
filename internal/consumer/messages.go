package consumer

import "github.com/nerrad567/gray-logic-hub/internal/topology"

// Kind tags each message variant.
type Kind string

const (
	KindConnectorPropertyReported Kind = "connector_property_reported"
	KindDevicePropertyReported    Kind = "device_property_reported"
	KindChannelPropertyReported   Kind = "channel_property_reported"
	KindPropertyWriteRequested    Kind = "property_write_requested"
	KindConnectionStateReported   Kind = "connection_state_reported"
	KindDeviceStored              Kind = "device_stored"
	KindDeviceRemoved             Kind = "device_removed"
)

// Message is one normalised inbound or outbound event from a connector or consumer.
type Message interface {
	Kind() Kind
}

// Target addresses a property through the topology. Device and Channel are
// zero for connector properties; Channel is zero for device properties.
type Target struct {
	Connector topology.Ref `json:"connector"`
	Device    topology.Ref `json:"device"`
	Channel   topology.Ref `json:"channel"`
	Property  topology.Ref `json:"property"`
}

// Scope returns the level of the topology the target property lives at.
func (t Target) Scope() topology.Scope {
	switch {
	case !t.Channel.IsZero():
		return topology.ScopeChannel
	case !t.Device.IsZero():
		return topology.ScopeDevice
	default:
		return topology.ScopeConnector
	}
}

// PropertyReported carries a value a device reported for one of its properties.
type PropertyReported struct {
	Target
	Value any `json:"value"`

	// Valid defaults to true.
	Valid *bool `json:"valid,omitempty"`

	Attributes map[string]any `json:"attributes,omitempty"`
}

// Kind implements Message. The variant follows the deepest level addressed.
func (m PropertyReported) Kind() Kind {
	switch m.Scope() {
	case topology.ScopeChannel:
		return KindChannelPropertyReported
	case topology.ScopeDevice:
		return KindDevicePropertyReported
	default:
		return KindConnectorPropertyReported
	}
}

// PropertyWriteRequested asks for a property to take a value.
type PropertyWriteRequested struct {
	Target
	Value any `json:"value"`
}

// Kind implements Message.
func (PropertyWriteRequested) Kind() Kind { return KindPropertyWriteRequested }

// ConnectionStateReported carries a device's observed liveness. A zero Device
// applies the state to every device of the connector.
type ConnectionStateReported struct {
	Connector topology.Ref             `json:"connector"`
	Device    topology.Ref             `json:"device"`
	State     topology.ConnectionState `json:"state"`
}

// Kind implements Message.
func (ConnectionStateReported) Kind() Kind { return KindConnectionStateReported }

// PropertySpec is the reported definition of one property.
type PropertySpec struct {
	Identifier string            `json:"identifier"`
	Name       string            `json:"name,omitempty"`
	Kind       topology.Kind     `json:"kind"`
	DataType   topology.DataType `json:"data_type"`
	Format     *topology.Format  `json:"format,omitempty"`
	Unit       string            `json:"unit,omitempty"`
	Settable   bool              `json:"settable,omitempty"`
	Queryable  bool              `json:"queryable,omitempty"`

	// Value seeds a variable property.
	Value any `json:"value,omitempty"`

	// Parent is the ID of a mapped property's parent.
	Parent  string `json:"parent,omitempty"`
	Virtual bool   `json:"virtual,omitempty"`
}

// ChannelSpec is the reported definition of one channel.
type ChannelSpec struct {
	Identifier string         `json:"identifier"`
	Name       string         `json:"name,omitempty"`
	Properties []PropertySpec `json:"properties,omitempty"`
	Controls   []string       `json:"controls,omitempty"`
}

// DeviceSpec is the full reported definition of a device. Anything stored
// under the device but missing here is removed on reconciliation.
type DeviceSpec struct {
	Identifier string         `json:"identifier"`
	Name       string         `json:"name,omitempty"`
	Parents    []string       `json:"parents,omitempty"`
	Properties []PropertySpec `json:"properties,omitempty"`
	Channels   []ChannelSpec  `json:"channels,omitempty"`
	Controls   []string       `json:"controls,omitempty"`
}

// DeviceStored reports a device definition discovered or changed by a connector.
type DeviceStored struct {
	Connector topology.Ref `json:"connector"`
	Device    DeviceSpec   `json:"device"`
}

// Kind implements Message.
func (DeviceStored) Kind() Kind { return KindDeviceStored }

// DeviceRemoved reports a device that no longer exists.
type DeviceRemoved struct {
	Connector topology.Ref `json:"connector"`
	Device    topology.Ref `json:"device"`
}

// Kind implements Message.
func (DeviceRemoved) Kind() Kind { return KindDeviceRemoved }
