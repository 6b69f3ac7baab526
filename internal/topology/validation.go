package topology

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	maxIdentifierLength = 128
	maxNameLength       = 100
)

// GenerateID returns a new entity ID.
func GenerateID() string {
	return uuid.NewString()
}

func validateIdentifier(sentinel error, identifier string) error {
	if strings.TrimSpace(identifier) == "" {
		return fmt.Errorf("%w: identifier is required", sentinel)
	}
	if len(identifier) > maxIdentifierLength {
		return fmt.Errorf("%w: identifier exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return nil
}

func validateName(sentinel error, name string) error {
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", sentinel, maxNameLength)
	}
	return nil
}

// ValidateConnector checks a connector's own fields.
func ValidateConnector(c *Connector) error {
	if err := validateIdentifier(ErrInvalidConnector, c.Identifier); err != nil {
		return err
	}
	if err := validateName(ErrInvalidConnector, c.Name); err != nil {
		return err
	}
	if c.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidConnector)
	}
	if !c.State.Valid() {
		return fmt.Errorf("%w: unknown execution state %q", ErrInvalidConnector, c.State)
	}
	return nil
}

// ValidateDevice checks a device's own fields. Parent existence and cycles
// are checked by the Registry, which can see the rest of the graph.
func ValidateDevice(d *Device) error {
	if err := validateIdentifier(ErrInvalidDevice, d.Identifier); err != nil {
		return err
	}
	if err := validateName(ErrInvalidDevice, d.Name); err != nil {
		return err
	}
	if d.ConnectorID == "" {
		return fmt.Errorf("%w: connector is required", ErrInvalidDevice)
	}
	if !d.ConnectionState.Valid() {
		return fmt.Errorf("%w: unknown connection state %q", ErrInvalidDevice, d.ConnectionState)
	}
	for _, parent := range d.Parents {
		if parent == d.ID {
			return fmt.Errorf("%w: device %s", ErrDeviceCycle, d.Identifier)
		}
	}
	return nil
}

// ValidateChannel checks a channel's own fields.
func ValidateChannel(c *Channel) error {
	if err := validateIdentifier(ErrInvalidChannel, c.Identifier); err != nil {
		return err
	}
	if err := validateName(ErrInvalidChannel, c.Name); err != nil {
		return err
	}
	if c.DeviceID == "" {
		return fmt.Errorf("%w: device is required", ErrInvalidChannel)
	}
	return nil
}

// ValidateControl checks a control's own fields.
func ValidateControl(c *Control) error {
	if err := validateIdentifier(ErrInvalidControl, c.Identifier); err != nil {
		return err
	}
	if !c.Owner.Scope.Valid() || c.Owner.ID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidControl)
	}
	return nil
}

// ValidateProperty checks a property's own fields and kind rules.
// Whether a mapped parent exists and is not itself mapped is checked by the Registry.
func ValidateProperty(p *Property) error {
	if err := validateIdentifier(ErrInvalidProperty, p.Identifier); err != nil {
		return err
	}
	if err := validateName(ErrInvalidProperty, p.Name); err != nil {
		return err
	}
	if !p.Owner.Scope.Valid() || p.Owner.ID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidProperty)
	}
	if !p.DataType.Valid() {
		return fmt.Errorf("%w: %q on property %s", ErrInvalidDataType, p.DataType, p.Identifier)
	}
	if err := p.Format.Validate(); err != nil {
		return fmt.Errorf("property %s: %w", p.Identifier, err)
	}

	switch p.Kind {
	case KindVariable:
		if p.ParentID != "" || p.Virtual {
			return fmt.Errorf("%w: variable property %s cannot have a parent", ErrInvalidProperty, p.Identifier)
		}
	case KindDynamic:
		if p.ParentID != "" || p.Virtual {
			return fmt.Errorf("%w: dynamic property %s cannot have a parent", ErrInvalidProperty, p.Identifier)
		}
		if p.Value != nil {
			return fmt.Errorf("%w: dynamic property %s cannot store a value", ErrInvalidProperty, p.Identifier)
		}
	case KindMapped:
		if p.Owner.Scope == ScopeConnector {
			return fmt.Errorf("%w: connector property %s cannot be mapped", ErrInvalidProperty, p.Identifier)
		}
		if p.ParentID == "" {
			return fmt.Errorf("%w: mapped property %s requires a parent", ErrInvalidProperty, p.Identifier)
		}
		if p.ParentID == p.ID {
			return fmt.Errorf("%w: property %s", ErrMappedParent, p.Identifier)
		}
		if p.Value != nil {
			return fmt.Errorf("%w: mapped property %s cannot store a value", ErrInvalidProperty, p.Identifier)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidProperty, p.Kind)
	}
	return nil
}
