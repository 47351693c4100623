// Package errors provides the standard error variables and wrapping helpers
// shared by the next-yate packages. Errors are classified so callers can
// distinguish local argument problems from transport conditions and from
// quiet timeouts.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for handling purposes.
type ErrorClass int

const (
	// ErrorTransient marks conditions that clear on their own, such as a
	// dropped socket that the reconnect loop will restore.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid marks errors caused by invalid operation inputs; these
	// are rejected locally and never reach the wire.
	ErrorInvalid
	// ErrorFatal marks unrecoverable errors that end the connection.
	ErrorFatal
)

// String returns the string representation of ErrorClass.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Connection state errors
	ErrNotConnected   = errors.New("not connected to engine")
	ErrConnectionLost = errors.New("connection to engine lost")
	ErrClosed         = errors.New("connection closed")
	ErrAlreadyStarted = errors.New("transport already started")

	// Outbound queueing errors
	ErrQueueOverflow = errors.New("offline queue limit exceeded")

	// Request errors
	ErrTimeout         = errors.New("request timed out")
	ErrRejected        = errors.New("request rejected by engine")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidMessage  = errors.New("invalid message")

	// Inbound decoding errors
	ErrDecoding = errors.New("cannot decode engine line")

	// Channel errors
	ErrReset       = errors.New("channel operation cancelled by reset")
	ErrChannelGone = errors.New("channel hung up")
)

// ClassifiedError wraps an error with its classification and the component
// and operation it came from.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient reports whether an error is transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrQueueOverflow)
}

// IsInvalid reports whether an error is caused by invalid input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrDecoding)
}

// IsFatal reports whether an error is fatal for the connection.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}
	return errors.Is(err, ErrClosed)
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func newClassified(class ErrorClass, err error, component, method string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorTransient, Wrap(err, component, method, action), component, method)
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorInvalid, Wrap(err, component, method, action), component, method)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorFatal, Wrap(err, component, method, action), component, method)
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers do not need both error packages imported.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
