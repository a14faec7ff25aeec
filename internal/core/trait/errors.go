package trait

import (
	"context"
	"errors"
	"time"
)

// Core trait errors
var (
	// Argument errors

	ErrEmptyIdentifier = errors.New("trait identifier is empty")
	ErrNilInitializer  = errors.New("trait initializer is nil")
	ErrNilEntity       = errors.New("entity is nil")

	// Identity errors

	ErrDuplicateIdentifier = errors.New("trait identifier already registered")
	ErrUnknownTag          = errors.New("tag is not registered")

	// Lifecycle errors

	ErrTraitRetired       = errors.New("trait is retired")
	ErrRegistryClosed     = errors.New("registry is closed")
	ErrInitializationFail = errors.New("trait initializer failed")
)

// ErrorCode represents a numeric error code for efficient error handling
type ErrorCode int

const (
	// Argument error codes (1000-1999)

	ErrorCodeEmptyIdentifier ErrorCode = 1001
	ErrorCodeNilInitializer  ErrorCode = 1002
	ErrorCodeNilEntity       ErrorCode = 1003

	// Identity error codes (2000-2999)

	ErrorCodeDuplicateIdentifier ErrorCode = 2001
	ErrorCodeUnknownTag          ErrorCode = 2002

	// Lifecycle error codes (3000-3999)

	ErrorCodeTraitRetired   ErrorCode = 3001
	ErrorCodeRegistryClosed ErrorCode = 3002

	// Association error codes (4000-4999)

	ErrorCodeInitializationFailed ErrorCode = 4001
	ErrorCodeAwaitTimeout         ErrorCode = 4002
	ErrorCodeAwaitCancelled       ErrorCode = 4003

	// Generic error codes (9000-9999)

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error represents a trait-layer error with a code and optional cause
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp int64
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new coded trait error
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]interface{}),
		Timestamp: time.Now().Unix(),
	}
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	e.Context[key] = value
	return e
}

// Error mapping from sentinel errors to error codes
var errorCodeMap = map[error]ErrorCode{
	ErrEmptyIdentifier:     ErrorCodeEmptyIdentifier,
	ErrNilInitializer:      ErrorCodeNilInitializer,
	ErrNilEntity:           ErrorCodeNilEntity,
	ErrDuplicateIdentifier: ErrorCodeDuplicateIdentifier,
	ErrUnknownTag:          ErrorCodeUnknownTag,
	ErrTraitRetired:        ErrorCodeTraitRetired,
	ErrRegistryClosed:      ErrorCodeRegistryClosed,
	ErrInitializationFail:  ErrorCodeInitializationFailed,
}

// GetErrorCode returns the error code for a given error
func GetErrorCode(err error) ErrorCode {
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeAwaitTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeAwaitCancelled
	}

	var traitErr *Error
	if errors.As(err, &traitErr) {
		return traitErr.Code
	}

	return ErrorCodeUnknownError
}

// WrapError wraps an error into a coded trait Error
func WrapError(err error, message string) *Error {
	return NewError(GetErrorCode(err), message, err)
}

// NewInitializationError builds the error surfaced when a trait
// initializer returns an error or panics. Membership is kept; only the
// initialization outcome carries the failure.
func NewInitializationError(identifier string, entityID string, cause error) *Error {
	return NewError(ErrorCodeInitializationFailed, "trait initializer failed", cause).
		WithContext("trait", identifier).
		WithContext("entity_id", entityID)
}
