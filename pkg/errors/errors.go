// Package errors defines custom error types for dmfgate.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error cases.
var (
	ErrNotFound             = errors.New("resource not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("access forbidden")
	ErrInvalidInput         = errors.New("invalid input")
	ErrConflict             = errors.New("resource conflict")
	ErrInternalError        = errors.New("internal error")
	ErrBadCredentials       = errors.New("bad credentials")
	ErrTenantNotFound       = errors.New("tenant not found")
	ErrTooManyStatusEntries = errors.New("too many status entries")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrMalformedContext     = errors.New("malformed security context")
	ErrNotSerializable      = errors.New("security context not serializable")
	ErrNoContext            = errors.New("no security context")
)

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// ValidationError represents a validation error with field-specific details.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// StructuralError reports an inbound message that cannot be interpreted:
// a missing header, a non-JSON body, an unknown enum literal.
type StructuralError struct {
	Field   string
	Message string
	Cause   error
}

func (e *StructuralError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed message: %s: %s: %v", e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("malformed message: %s: %s", e.Field, e.Message)
}

func (e *StructuralError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrInvalidInput
}

// NewStructuralError creates a new structural error.
func NewStructuralError(field, message string) *StructuralError {
	return &StructuralError{Field: field, Message: message}
}

// ProtocolError represents a well-formed message that breaks a business rule.
type ProtocolError struct {
	Rule  string
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol rule '%s' violated: %v", e.Rule, e.Cause)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// NewProtocolError creates a new protocol error. A nil cause becomes
// ErrProtocolViolation.
func NewProtocolError(rule string, cause error) *ProtocolError {
	if cause == nil {
		cause = ErrProtocolViolation
	}
	return &ProtocolError{Rule: rule, Cause: cause}
}

// MalformedContextError is returned when a serialized security context
// cannot be decoded.
type MalformedContextError struct {
	Field string
	Cause error
}

func (e *MalformedContextError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed security context (%s): %v", e.Field, e.Cause)
	}
	return fmt.Sprintf("malformed security context: missing %s", e.Field)
}

func (e *MalformedContextError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrMalformedContext, e.Cause}
	}
	return []error{ErrMalformedContext}
}
