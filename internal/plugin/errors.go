package plugin

import (
	"errors"
	"fmt"
)

// Plugin runtime errors.
var (
	// ErrUnknownPlugin is returned when no registered plugin has the given name.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrUnknownMethod is returned when a method is not in the plugin's capability set.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrReservedMethod is returned when a call targets a reserved method name.
	ErrReservedMethod = errors.New("reserved method")

	// ErrArityMismatch is matched by every *ArityError.
	ErrArityMismatch = errors.New("argument count mismatch")

	// ErrValidationFailed is matched by every *ValidationError.
	ErrValidationFailed = errors.New("params invalid")

	// ErrLoadNotImplemented is returned when a plugin does not implement its load hook.
	ErrLoadNotImplemented = errors.New("load hook not implemented")

	// ErrLoadFailed is matched by every *LoadError.
	ErrLoadFailed = errors.New("plugin failed to load")

	// ErrInvocation is matched by every *InvocationError.
	ErrInvocation = errors.New("plugin invocation failed")

	// ErrPluginCrashed is returned by calls that caused the plugin to be evicted.
	ErrPluginCrashed = errors.New("plugin crashed")

	// ErrUnresolved is returned when a unit has no matching implementation type.
	ErrUnresolved = errors.New("no implementation for unit")

	// ErrAlreadyLoaded is returned when a plugin name is already registered.
	ErrAlreadyLoaded = errors.New("plugin is already loaded")

	// ErrInvalidState is returned for lifecycle transitions the current state does not allow.
	ErrInvalidState = errors.New("invalid plugin state")

	// ErrDisabled is returned when loading a unit that configuration disables.
	ErrDisabled = errors.New("plugin is disabled")
)

// ArityError reports a call whose argument count does not match the
// capability's declared parameters.
type ArityError struct {
	Method   string
	Expected int
	Given    int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("'%s' takes %d arguments (%d given)", e.Method, e.Expected, e.Given)
}

// Is reports whether target is ErrArityMismatch.
func (e *ArityError) Is(target error) bool {
	return target == ErrArityMismatch
}

// ValidationError carries the description returned by a plugin's params
// validator or by a capability schema.
type ValidationError struct {
	Plugin      string
	Method      string
	Description string
}

func (e *ValidationError) Error() string {
	return "params invalid: " + e.Description
}

// Is reports whether target is ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// LoadError wraps the cause of a failed load hook.
type LoadError struct {
	Plugin string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin '%s' failed to load: %v", e.Plugin, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is reports whether target is ErrLoadFailed.
func (e *LoadError) Is(target error) bool {
	return target == ErrLoadFailed
}

// InvocationError wraps any failure raised from inside a dispatched call.
type InvocationError struct {
	Plugin string
	Method string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Plugin, e.Method, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Is reports whether target is ErrInvocation.
func (e *InvocationError) Is(target error) bool {
	return target == ErrInvocation
}

// PanicError is produced when a plugin hook or handler panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin panic: %v", e.Value)
}
