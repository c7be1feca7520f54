// Package fault classifies failures of device lifecycle operations.
//
// Every device manager returns errors built by this package so the agent can
// map them onto management API status codes without inspecting messages.
// Wrapped causes stay reachable through errors.Is and errors.As.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the classification of a failure.
type Kind int

const (
	// Internal is any failure not covered by a more specific kind.
	Internal Kind = iota
	// Validation marks a missing or malformed request field.
	Validation
	// NotFound marks an unknown device, volume, subsystem or controller.
	NotFound
	// Backend marks a failed storage backend call.
	Backend
	// Protocol marks a device emulation protocol failure (socket, decode, correlation).
	Protocol
	// Unsupported marks a verb the selected device manager does not implement.
	Unsupported
	// TransportUnavailable marks a transport that could not be provisioned at startup.
	TransportUnavailable
)

// String returns the kind name used in logs and error details.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "VALIDATION"
	case NotFound:
		return "NOT_FOUND"
	case Backend:
		return "BACKEND"
	case Protocol:
		return "PROTOCOL"
	case Unsupported:
		return "UNSUPPORTED"
	case TransportUnavailable:
		return "TRANSPORT_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// Error is a classified failure with a human-readable message.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error of the same kind. This lets callers
// match on a bare kind sentinel such as &Error{Kind: NotFound}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// New creates a classified error without a cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(err error, kind Kind, op, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validationf creates a Validation error.
func Validationf(op, format string, args ...any) *Error {
	return New(Validation, op, format, args...)
}

// NotFoundf creates a NotFound error.
func NotFoundf(op, format string, args ...any) *Error {
	return New(NotFound, op, format, args...)
}

// Unsupportedf creates an Unsupported error.
func Unsupportedf(op, format string, args ...any) *Error {
	return New(Unsupported, op, format, args...)
}

// KindOf returns the kind of the outermost *Error in err's chain, or Internal
// when err carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
