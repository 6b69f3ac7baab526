package topology

import "errors"

// Domain errors for the topology package.
//
//	if errors.Is(err, topology.ErrPropertyNotFound) {
//	    // unresolved reference, drop the message
//	}
var (
	ErrConnectorNotFound = errors.New("topology: connector not found")
	ErrDeviceNotFound    = errors.New("topology: device not found")
	ErrChannelNotFound   = errors.New("topology: channel not found")
	ErrPropertyNotFound  = errors.New("topology: property not found")
	ErrControlNotFound   = errors.New("topology: control not found")

	// ErrDuplicate is returned when an identifier is already used under the same owner.
	ErrDuplicate = errors.New("topology: duplicate identifier")

	ErrInvalidConnector = errors.New("topology: invalid connector")
	ErrInvalidDevice    = errors.New("topology: invalid device")
	ErrInvalidChannel   = errors.New("topology: invalid channel")
	ErrInvalidProperty  = errors.New("topology: invalid property")
	ErrInvalidControl   = errors.New("topology: invalid control")

	// ErrInvalidDataType is returned when a property has no recognised data type.
	ErrInvalidDataType = errors.New("topology: invalid data type")

	// ErrInvalidFormat is returned when a format's fields don't match its type.
	ErrInvalidFormat = errors.New("topology: invalid format")

	// ErrParentNotFound is returned when a mapped property or device references
	// a parent that does not exist.
	ErrParentNotFound = errors.New("topology: parent not found")

	// ErrMappedParent is returned when a mapped property would point at another
	// mapped property. Mapped chains are never allowed.
	ErrMappedParent = errors.New("topology: mapped property parent must not be mapped")

	// ErrDeviceCycle is returned when device parent references would form a cycle.
	ErrDeviceCycle = errors.New("topology: device parent cycle")

	// ErrNotVariable is returned when a stored value is written to a non-variable property.
	ErrNotVariable = errors.New("topology: property is not variable")
)
