package connector

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// ErrTerminate marks a failure after which the connector must stop. Other
// connectors keep running.
var ErrTerminate = errors.New("connector: terminated")

// ErrUnknownType is returned when no client exists for a connector type.
var ErrUnknownType = errors.New("connector: unknown connector type")

// WriteError carries protocol context for a failed device operation.
type WriteError struct {
	// StatusCode is the protocol's status, HTTP-style where the protocol has one.
	StatusCode int

	Timeout bool
	Auth    bool

	// Recoverable means retrying after the device or its configuration
	// recovers can succeed.
	Recoverable bool

	Err error
}

func (e *WriteError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("device operation failed with status %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("device operation failed with status %d", e.StatusCode)
	case e.Err != nil:
		return "device operation failed: " + e.Err.Error()
	}
	return "device operation failed"
}

func (e *WriteError) Unwrap() error { return e.Err }

// Classify maps a failed device operation to the device's next connection
// state. fatal is true only for ErrTerminate.
//
//	timeout, 5xx, transport      -> lost
//	4xx or config, recoverable   -> alert
//	4xx or config, unrecoverable -> stopped
//	auth, driver                 -> alert
func Classify(err error) (s topology.ConnectionState, fatal bool) {
	if errors.Is(err, ErrTerminate) {
		return topology.StateStopped, true
	}

	var we *WriteError
	if errors.As(err, &we) {
		switch {
		case we.Timeout:
			return topology.StateLost, false
		case we.Auth:
			return topology.StateAlert, false
		case we.StatusCode >= 500:
			return topology.StateLost, false
		case we.StatusCode >= 400:
			if we.Recoverable {
				return topology.StateAlert, false
			}
			return topology.StateStopped, false
		case we.Recoverable:
			return topology.StateAlert, false
		}
		if we.Err != nil && isTransport(we.Err) {
			return topology.StateLost, false
		}
		return topology.StateAlert, false
	}

	return topology.StateLost, false
}

// isTransport reports whether err came from the network or a deadline.
func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
