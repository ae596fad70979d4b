package config

import (
	"errors"
	"fmt"
)

// Errors returned by configuration operations.
var (
	// ErrUnknownKey indicates the file sets a key the runtime does not know.
	ErrUnknownKey = errors.New("unknown configuration key")

	// ErrValidationFailed indicates a value is out of range or malformed.
	ErrValidationFailed = errors.New("validation failed")
)

// ValidationError describes one invalid setting.
type ValidationError struct {
	// Key is the dotted setting path.
	Key     string
	Message string
	Value   any
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Key, e.Message, e.Value)
}

// Unwrap lets callers match ErrValidationFailed.
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}
