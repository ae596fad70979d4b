package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dshills/ctfever/internal/plugin"
)

// Class groups errors the way a transport reports them.
type Class int

const (
	// Internal - the plugin failed; the request may have been fine.
	Internal Class = iota
	// NotFound - no such plugin or method.
	NotFound
	// BadRequest - the arguments were rejected.
	BadRequest
)

// String returns a string representation of the class.
func (c Class) String() string {
	switch c {
	case NotFound:
		return "not_found"
	case BadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// Error is a classified call failure.
type Error struct {
	Class   Class
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code for the class.
func (e *Error) HTTPStatus() int {
	switch e.Class {
	case NotFound:
		return http.StatusNotFound
	case BadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func newError(class Class, err error, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...), Err: err}
}

// classify maps runtime errors onto classes. Reserved names are reported as
// missing methods. Failures raised inside the plugin are always Internal,
// whatever they wrap.
func classify(err error) *Error {
	var se *Error
	var ie *plugin.InvocationError
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &ie):
		return newError(Internal, err, "%s", err.Error())
	case errors.Is(err, plugin.ErrUnknownPlugin):
		return newError(NotFound, err, "plugin not found")
	case errors.Is(err, plugin.ErrUnknownMethod), errors.Is(err, plugin.ErrReservedMethod):
		return newError(NotFound, err, "method not found")
	case errors.Is(err, plugin.ErrValidationFailed), errors.Is(err, plugin.ErrArityMismatch):
		return newError(BadRequest, err, "%s", err.Error())
	default:
		return newError(Internal, err, "%s", err.Error())
	}
}
