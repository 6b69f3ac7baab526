package mapping

import "errors"

var (
	// ErrNotMapped is returned when a non-mapped property is given to the resolver.
	ErrNotMapped = errors.New("mapping: property is not mapped")

	// ErrReadOnlyProjection is returned for writes to a mapped property whose
	// parent is variable or a dynamic property that is not settable.
	ErrReadOnlyProjection = errors.New("mapping: mapped property has a read-only parent")

	// ErrInvalidValue is returned when a value has no representation in the target format.
	ErrInvalidValue = errors.New("mapping: value outside format domain")
)
