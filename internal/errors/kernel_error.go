package errors

import (
	"errors"
	"fmt"
)

// KernelError is the canonical error type for the kernel. All errors crossing
// a public boundary should be a KernelError so callers can branch on Code.
type KernelError struct {
	// Code is the machine-readable error code.
	Code Code `json:"code"`

	// Message is a user-safe description. No host paths, no env values.
	Message string `json:"message"`

	// Cause is the underlying error. It may contain internal details and is
	// never serialized.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the cause for error chain inspection.
func (e *KernelError) Unwrap() error { return e.Cause }

// SafeError returns a representation safe for user-visible surfaces.
func (e *KernelError) SafeError() string {
	return fmt.Sprintf("[%s] %s", e.Code, Redact(e.Message))
}

// New creates a new KernelError with the given code and message.
func New(code Code, message string) *KernelError {
	return &KernelError{Code: code, Message: message}
}

// Newf creates a new KernelError with a formatted message.
func Newf(code Code, format string, args ...any) *KernelError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a KernelError. If err is already a
// KernelError it is returned as-is, preserving its original code.
func Wrap(err error, code Code, message string) *KernelError {
	if err == nil {
		return nil
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke
	}
	return &KernelError{Code: code, Message: message, Cause: err}
}

// GetCode extracts the code from an error. A nil error maps to CodeOK and an
// unclassified error maps to CodeInternal.
func GetCode(err error) Code {
	if err == nil {
		return CodeOK
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool { return GetCode(err) == code }
