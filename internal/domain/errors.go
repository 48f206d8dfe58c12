package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by the sync layer, the gateway and the HTTP surface.
var (
	ErrValidation      = errors.New("validation error")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrRemote          = errors.New("remote error")
)

// FieldError describes a validation failure for a single field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError is raised before any store call when a record violates its schema.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation: %s: %s", e.Errors[0].Field, e.Errors[0].Message)
	}
	return fmt.Sprintf("validation: %d errors", len(e.Errors))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Fields lists the offending field names in reporting order.
func (e *ValidationError) Fields() []string {
	fields := make([]string, 0, len(e.Errors))
	for _, fieldErr := range e.Errors {
		fields = append(fields, fieldErr.Field)
	}
	return fields
}

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: message}}}
}

// NewValidationErrors creates a ValidationError from multiple field errors.
func NewValidationErrors(errs []FieldError) *ValidationError {
	return &ValidationError{Errors: errs}
}

// Remote error codes produced by the bundled store and identity implementations.
const (
	CodeUnknown            = "unknown"
	CodeNotFound           = "not-found"
	CodeInvalidArgument    = "invalid-argument"
	CodeUnavailable        = "unavailable"
	CodeInternal           = "internal"
	CodeInvalidEmail       = "auth/invalid-email"
	CodeWeakPassword       = "auth/weak-password"
	CodeEmailAlreadyInUse  = "auth/email-already-in-use"
	CodeUserNotFound       = "auth/user-not-found"
	CodeWrongPassword      = "auth/wrong-password"
	CodeSessionInvalidated = "auth/session-invalidated"
)

// RemoteError carries a failure reported by the remote store or identity provider.
// The code and message are opaque to the sync layer.
type RemoteError struct {
	Code    string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	message := strings.TrimSpace(e.Message)
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}
	if message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, message)
}

// Is reports ErrRemote so callers can match the whole class.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NewRemoteError builds a RemoteError; an empty code becomes CodeUnknown.
func NewRemoteError(code, message string, cause error) *RemoteError {
	if strings.TrimSpace(code) == "" {
		code = CodeUnknown
	}
	return &RemoteError{Code: code, Message: message, Err: cause}
}

// AsRemoteError returns err as a RemoteError, wrapping foreign errors with CodeUnknown.
func AsRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr
	}
	return NewRemoteError(CodeUnknown, err.Error(), err)
}

// RemoteCode extracts the provider code from err, or "" when err is not remote.
func RemoteCode(err error) string {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Code
	}
	return ""
}
