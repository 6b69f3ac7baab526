package homie

import "errors"

var (
	// ErrUnsupportedScope is returned for writes to properties the
	// convention has no topic for.
	ErrUnsupportedScope = errors.New("homie: property scope not addressable")

	// ErrNotRunning is returned when the client is used before Connect.
	ErrNotRunning = errors.New("homie: client not connected")
)
