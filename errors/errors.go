// Package errors provides classified error handling for qToggleServer.
// It includes error classification, standard error variables, and helper
// functions for consistent error wrapping across the system, plus the
// API error taxonomy surfaced to HTTP clients.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
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

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrShuttingDown   = errors.New("shutting down")

	// Networking errors (slave API calls, webhooks, reverse)
	ErrHostUnreachable      = errors.New("host unreachable")
	ErrNetworkUnreachable   = errors.New("network unreachable")
	ErrUnresolvableHostname = errors.New("unresolvable hostname")
	ErrConnectionRefused    = errors.New("connection refused")
	ErrTimeout              = errors.New("timeout")

	// Port errors
	ErrNoSuchPort         = errors.New("no such port")
	ErrPortDisabled       = errors.New("port disabled")
	ErrReadOnlyPort       = errors.New("read-only port")
	ErrPortWithExpression = errors.New("port with expression")
	ErrInvalidValue       = errors.New("invalid value")
	ErrValueUnavailable   = errors.New("value unavailable")
	ErrPortTimeout        = errors.New("port timeout")
	ErrPortError          = errors.New("port error")
	ErrDuplicatePort      = errors.New("duplicate port")

	// Slave errors
	ErrNoSuchDevice        = errors.New("no such device")
	ErrDuplicateDevice     = errors.New("duplicate device")
	ErrDeviceOffline       = errors.New("device offline")
	ErrDeviceDisabled      = errors.New("device disabled")
	ErrDeviceRenamed       = errors.New("device renamed")
	ErrInvalidDevice       = errors.New("invalid device")
	ErrDeviceBusy          = errors.New("device busy")
	ErrDeviceAlreadyExists = errors.New("device already exists")

	// Persistence errors
	ErrRecordNotFound      = errors.New("record not found")
	ErrSamplesNotSupported = errors.New("samples not supported")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
	ErrUnknownDriver = errors.New("unknown driver")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrHostUnreachable) ||
		errors.Is(err, ErrNetworkUnreachable) ||
		errors.Is(err, ErrConnectionRefused) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrDeviceOffline) ||
		errors.Is(err, ErrDeviceBusy) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "temporarily unavailable")
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidDevice) ||
		errors.Is(err, ErrMissingConfig)
}

// IsFatal checks if an error is unrecoverable
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrUnknownDriver)
}

// Classify returns the classification of an error
func Classify(err error) ErrorClass {
	switch {
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap wraps an error preserving its original classification.
// The message follows the "component.method: action failed" format.
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf("%s.%s: %s: %v", component, method, action, err)
	return newClassified(Classify(err), err, component, method, msg)
}

// WrapTransient wraps an error as transient
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf("%s.%s: %s: %v", component, method, action, err)
	return newClassified(ErrorTransient, err, component, method, msg)
}

// WrapInvalid wraps an error as invalid input
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf("%s.%s: %s: %v", component, method, action, err)
	return newClassified(ErrorInvalid, err, component, method, msg)
}

// WrapFatal wraps an error as fatal
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf("%s.%s: %s: %v", component, method, action, err)
	return newClassified(ErrorFatal, err, component, method, msg)
}

// Convenience re-exports so callers need only this package.

// New returns a new error with the given message
func New(text string) error { return errors.New(text) }

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target
func As(err error, target any) bool { return errors.As(err, target) }
