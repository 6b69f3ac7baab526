package consumer

import "errors"

var (
	// ErrMalformedDefinition is returned when a message or stored property
	// lacks the metadata needed to interpret it. It points at a configuration
	// bug, so the message fails instead of being dropped quietly.
	ErrMalformedDefinition = errors.New("consumer: malformed property definition")

	// ErrUnhandled is returned when no handler accepted a message.
	ErrUnhandled = errors.New("consumer: no handler accepted message")

	// ErrQueueFull is returned by TryEnqueue when the queue has no room.
	ErrQueueFull = errors.New("consumer: queue full")

	// ErrUnknownMessageType is returned when an envelope names no known kind.
	ErrUnknownMessageType = errors.New("consumer: unknown message type")
)
