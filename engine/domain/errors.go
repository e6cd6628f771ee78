package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine error taxonomy.
var (
	// ErrLocationUnavailable means every acquisition tier failed or the
	// position permission was denied.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrCatalogUnavailable means the provider catalog could not be read
	// after one retry.
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	// ErrNoMatch is informational: no provider satisfied item and radius.
	ErrNoMatch = errors.New("no matching provider")
	// ErrInvalidSlotInput means an utterance did not parse into the slot
	// being collected.
	ErrInvalidSlotInput = errors.New("invalid slot input")
	// ErrCacheCorruption marks a cached value that could not be decoded.
	ErrCacheCorruption = errors.New("cache corruption")

	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrInvalidProvider   = errors.New("invalid provider")
	ErrInvalidRating     = errors.New("rating out of range")
	ErrInvalidRadius     = errors.New("invalid service radius")
	ErrInvalidVariant    = errors.New("invalid variant")
	ErrRequestNotFound   = errors.New("dialogue request not found")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
