package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for repository operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeInvalidAddress  ErrorCode = 1001
	ErrCodeNodeNotFound    ErrorCode = 1002
	ErrCodeNotWritable     ErrorCode = 1003

	// Contention errors, surfaced to the caller and never retried internally
	ErrCodeAlreadyLocked ErrorCode = 1100
	ErrCodeNotOwner      ErrorCode = 1101
	ErrCodeNotLocked     ErrorCode = 1102

	// Server errors
	ErrCodeInternal       ErrorCode = 2000
	ErrCodeUnavailable    ErrorCode = 2001
	ErrCodeDatabaseFailed ErrorCode = 2002
	ErrCodeCorruptedData  ErrorCode = 2003
)

// KORError represents a structured error with code and context
type KORError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *KORError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *KORError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts KORError to gRPC status
func (e *KORError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *KORError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidAddress:
		return codes.InvalidArgument
	case ErrCodeNodeNotFound:
		return codes.NotFound
	case ErrCodeAlreadyLocked:
		return codes.Aborted
	case ErrCodeNotOwner, ErrCodeNotWritable:
		return codes.PermissionDenied
	case ErrCodeNotLocked:
		return codes.FailedPrecondition
	case ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// IsContention reports whether the code belongs to the lock contention family
func (c ErrorCode) IsContention() bool {
	return c == ErrCodeAlreadyLocked || c == ErrCodeNotOwner || c == ErrCodeNotLocked
}

// NewKORError creates a new KORError
func NewKORError(code ErrorCode, message string, cause error) *KORError {
	return &KORError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *KORError) WithDetail(key string, value interface{}) *KORError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *KORError {
	return NewKORError(ErrCodeInvalidArgument, message, cause)
}

func InvalidAddress(address, reason string) *KORError {
	return NewKORError(ErrCodeInvalidAddress, fmt.Sprintf("invalid address '%s': %s", address, reason), nil).
		WithDetail("address", address).
		WithDetail("reason", reason)
}

func NodeNotFound(address string) *KORError {
	return NewKORError(ErrCodeNodeNotFound, fmt.Sprintf("node not found: %s", address), nil).
		WithDetail("address", address)
}

func NotWritable(address string) *KORError {
	return NewKORError(ErrCodeNotWritable, fmt.Sprintf("node is not writable: %s", address), nil).
		WithDetail("address", address)
}

func AlreadyLocked(address, holder string) *KORError {
	return NewKORError(ErrCodeAlreadyLocked, fmt.Sprintf("subtree %s is already locked", address), nil).
		WithDetail("address", address).
		WithDetail("holder", holder)
}

func NotOwner(address, identity string) *KORError {
	return NewKORError(ErrCodeNotOwner, fmt.Sprintf("%s does not hold the lock on %s", identity, address), nil).
		WithDetail("address", address).
		WithDetail("identity", identity)
}

func NotLocked(address string) *KORError {
	return NewKORError(ErrCodeNotLocked, fmt.Sprintf("no lock covers %s", address), nil).
		WithDetail("address", address)
}

func InternalError(message string, cause error) *KORError {
	return NewKORError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *KORError {
	return NewKORError(ErrCodeUnavailable, message, cause)
}

func DatabaseFailed(message string, cause error) *KORError {
	return NewKORError(ErrCodeDatabaseFailed, message, cause)
}

func CorruptedData(message string, cause error) *KORError {
	return NewKORError(ErrCodeCorruptedData, message, cause)
}

// IsKORError checks if an error is a KORError
func IsKORError(err error) bool {
	var ke *KORError
	return errors.As(err, &ke)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ke *KORError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
