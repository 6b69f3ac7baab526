package topology

import (
	"strings"
	"time"
)

// ExecutionState is the run state of a connector executor.
type ExecutionState string

const (
	ExecutionUnknown ExecutionState = "unknown"
	ExecutionRunning ExecutionState = "running"
	ExecutionStopped ExecutionState = "stopped"
)

// Valid reports whether s is a known execution state.
func (s ExecutionState) Valid() bool {
	switch s {
	case ExecutionUnknown, ExecutionRunning, ExecutionStopped:
		return true
	}
	return false
}

// ConnectionState is the observed liveness of a device.
type ConnectionState string

const (
	StateUnknown      ConnectionState = "unknown"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateLost         ConnectionState = "lost"
	StateAlert        ConnectionState = "alert"
	StateStopped      ConnectionState = "stopped"
	StateRunning      ConnectionState = "running"
)

// AllConnectionStates returns every connection state.
func AllConnectionStates() []ConnectionState {
	return []ConnectionState{
		StateUnknown, StateConnected, StateDisconnected, StateLost,
		StateAlert, StateStopped, StateRunning,
	}
}

// Valid reports whether s is a known connection state.
func (s ConnectionState) Valid() bool {
	for _, known := range AllConnectionStates() {
		if s == known {
			return true
		}
	}
	return false
}

// Invalidates reports whether entering s makes the device's dynamic readings untrustworthy.
// A lost device is expected to come back and keeps its last readings.
func (s ConnectionState) Invalidates() bool {
	switch s {
	case StateDisconnected, StateAlert, StateUnknown:
		return true
	}
	return false
}

// Kind is the closed set of property variants.
type Kind string

const (
	// KindVariable stores its value on the persistent entity.
	KindVariable Kind = "variable"

	// KindDynamic keeps its value in the property state store only.
	KindDynamic Kind = "dynamic"

	// KindMapped projects a parent variable or dynamic property through its own format.
	KindMapped Kind = "mapped"
)

// Valid reports whether k is a known property kind.
func (k Kind) Valid() bool {
	switch k {
	case KindVariable, KindDynamic, KindMapped:
		return true
	}
	return false
}

// Scope says which level of the topology owns a property or control.
type Scope string

const (
	ScopeConnector Scope = "connector"
	ScopeDevice    Scope = "device"
	ScopeChannel   Scope = "channel"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeConnector, ScopeDevice, ScopeChannel:
		return true
	}
	return false
}

// Owner identifies the entity a property or control belongs to.
type Owner struct {
	Scope Scope  `json:"scope"`
	ID    string `json:"id"`
}

// ConnectorOwner, DeviceOwner and ChannelOwner build owners for each scope.
func ConnectorOwner(id string) Owner { return Owner{Scope: ScopeConnector, ID: id} }
func DeviceOwner(id string) Owner    { return Owner{Scope: ScopeDevice, ID: id} }
func ChannelOwner(id string) Owner   { return Owner{Scope: ScopeChannel, ID: id} }

// Ref addresses an entity by ID or by identifier. ID wins when both are set.
type Ref struct {
	ID         string `json:"id,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// IsZero reports whether the reference addresses nothing.
func (r Ref) IsZero() bool {
	return r.ID == "" && r.Identifier == ""
}

// Matches reports whether an entity with the given id and identifier is the one referenced.
func (r Ref) Matches(id, identifier string) bool {
	if r.ID != "" {
		return r.ID == id
	}
	return r.Identifier != "" && r.Identifier == identifier
}

// String renders the reference for logs.
func (r Ref) String() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Identifier
}

// Connector is one integration instance of a vendor protocol.
type Connector struct {
	ID         string         `json:"id"`
	Identifier string         `json:"identifier"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Enabled    bool           `json:"enabled"`
	State      ExecutionState `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// DeepCopy returns an independent copy of the connector.
func (c *Connector) DeepCopy() *Connector {
	if c == nil {
		return nil
	}
	cpy := *c
	return &cpy
}

// Device belongs to exactly one connector and may reference parent devices
// (a gateway, or the physical device a virtual accessory represents).
type Device struct {
	ID              string          `json:"id"`
	Identifier      string          `json:"identifier"`
	ConnectorID     string          `json:"connector_id"`
	Name            string          `json:"name"`
	Parents         []string        `json:"parents,omitempty"`
	ConnectionState ConnectionState `json:"connection_state"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DeepCopy returns an independent copy of the device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	if d.Parents != nil {
		cpy.Parents = append([]string(nil), d.Parents...)
	}
	return &cpy
}

// Channel groups properties under a device, e.g. one relay.
type Channel struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	DeviceID   string    `json:"device_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy of the channel.
func (c *Channel) DeepCopy() *Channel {
	if c == nil {
		return nil
	}
	cpy := *c
	return &cpy
}

// Control is a named action (reboot, reset, identify) exposed by a connector, device or channel.
type Control struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	Owner      Owner     `json:"owner"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeepCopy returns an independent copy of the control.
func (c *Control) DeepCopy() *Control {
	if c == nil {
		return nil
	}
	cpy := *c
	return &cpy
}

// DataType is the canonical type of a property value.
type DataType string

const (
	DataTypeBoolean DataType = "boolean"
	DataTypeInteger DataType = "integer"
	DataTypeFloat   DataType = "float"
	DataTypeString  DataType = "string"
	DataTypeEnum    DataType = "enum"
)

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	switch t {
	case DataTypeBoolean, DataTypeInteger, DataTypeFloat, DataTypeString, DataTypeEnum:
		return true
	}
	return false
}

// Property is a variable, dynamic or mapped value under a connector, device or channel.
type Property struct {
	ID         string   `json:"id"`
	Identifier string   `json:"identifier"`
	Name       string   `json:"name"`
	Kind       Kind     `json:"kind"`
	Owner      Owner    `json:"owner"`
	DataType   DataType `json:"data_type"`
	Format     *Format  `json:"format,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	Settable   bool     `json:"settable"`
	Queryable  bool     `json:"queryable"`

	// Value is only used by variable properties.
	Value any `json:"value,omitempty"`

	// ParentID and Virtual are only used by mapped properties.
	ParentID string `json:"parent,omitempty"`
	Virtual  bool   `json:"virtual,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy of the property.
func (p *Property) DeepCopy() *Property {
	if p == nil {
		return nil
	}
	cpy := *p
	cpy.Format = p.Format.DeepCopy()
	cpy.Value = deepCopyValue(p.Value)
	return &cpy
}

// PropertyIDs returns the IDs of props in order.
func PropertyIDs(props []Property) []string {
	ids := make([]string, len(props))
	for i := range props {
		ids[i] = props[i].ID
	}
	return ids
}

// CopyValue returns an independent copy of a JSON-shaped property value.
func CopyValue(v any) any {
	return deepCopyValue(v)
}

// deepCopyValue recursively copies JSON-shaped values.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cpy := make(map[string]any, len(val))
		for k, elem := range val {
			cpy[k] = deepCopyValue(elem)
		}
		return cpy
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

// EqualValues compares two property values, treating all numeric types as float64
// and strings case-sensitively.
func EqualValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch va := a.(type) {
	case string:
		vb, ok := b.(string)
		return ok && va == vb
	case bool:
		vb, ok := b.(bool)
		return ok && va == vb
	}
	return false
}

// equalFold compares like EqualValues but ignores case for strings.
func equalFold(a, b any) bool {
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(sa, sb)
	}
	return EqualValues(a, b)
}

// toFloat converts Go numeric values to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
