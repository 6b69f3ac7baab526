package state

import "errors"

var (
	// ErrStateNotFound is returned when a property has no state record.
	ErrStateNotFound = errors.New("state: property state not found")

	// ErrNotStateful is returned for variable properties, whose value lives on
	// the persistent entity instead of the state store.
	ErrNotStateful = errors.New("state: property kind has no state record")

	// ErrScopeMismatch is returned when a property is handed to the manager of another scope.
	ErrScopeMismatch = errors.New("state: property belongs to another scope")

	// ErrConflict is returned when an optimistic update keeps losing to concurrent writers.
	ErrConflict = errors.New("state: concurrent update conflict")

	// ErrInvalidPending is returned when a pending marker cannot be decoded.
	ErrInvalidPending = errors.New("state: invalid pending value")
)
