package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Error types for different categories of failures
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeStorage        ErrorType = "storage"
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeCapacity       ErrorType = "capacity"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeUnavailable    ErrorType = "unavailable"
	ErrorTypePartialFailure ErrorType = "partial_failure"
)

// Sentinels for errors.Is. A StructuredError matches the sentinel of its Type.
var (
	ErrInvalidArgument  = stderrors.New("invalid argument")
	ErrIO               = stderrors.New("io error")
	ErrNetwork          = stderrors.New("network error")
	ErrConfiguration    = stderrors.New("configuration error")
	ErrTimeout          = stderrors.New("timeout")
	ErrCapacityExceeded = stderrors.New("capacity exceeded")
	ErrNotFound         = stderrors.New("not found")
	ErrUnavailable      = stderrors.New("unavailable")
	ErrPartialFailure   = stderrors.New("partial failure")
)

var sentinels = map[ErrorType]error{
	ErrorTypeValidation:     ErrInvalidArgument,
	ErrorTypeStorage:        ErrIO,
	ErrorTypeNetwork:        ErrNetwork,
	ErrorTypeConfiguration:  ErrConfiguration,
	ErrorTypeTimeout:        ErrTimeout,
	ErrorTypeCapacity:       ErrCapacityExceeded,
	ErrorTypeNotFound:       ErrNotFound,
	ErrorTypeUnavailable:    ErrUnavailable,
	ErrorTypePartialFailure: ErrPartialFailure,
}

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's type.
func (e *StructuredError) Is(target error) bool {
	s, ok := sentinels[e.Type]
	return ok && s == target
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[:n]
}

// TypeOf returns the ErrorType of the first StructuredError in err's chain, or "".
func TypeOf(err error) ErrorType {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Type
	}
	return ""
}

// Common error constructors for frequent use cases

func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

func NewStorageError(operation, message string) *StructuredError {
	return New(ErrorTypeStorage, operation, message)
}

func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

func NewTimeoutError(operation, message string) *StructuredError {
	return New(ErrorTypeTimeout, operation, message)
}

func NewCapacityError(operation, message string) *StructuredError {
	return New(ErrorTypeCapacity, operation, message)
}

func NewNotFoundError(operation, message string) *StructuredError {
	return New(ErrorTypeNotFound, operation, message)
}

func NewUnavailableError(operation, message string) *StructuredError {
	return New(ErrorTypeUnavailable, operation, message)
}

func WrapValidationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeValidation, operation, message)
}

// WrapStorageError marks err as an IO failure (snapshot, restore, manifest).
func WrapStorageError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeStorage, operation, message)
}

func WrapNetworkError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeNetwork, operation, message)
}

func WrapTimeoutError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeTimeout, operation, message)
}

func WrapUnavailableError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeUnavailable, operation, message)
}

// PartialFailureError reports a fan-out where some targets did not commit.
// FailedKeys lists exactly the keys the caller should retry.
type PartialFailureError struct {
	Operation    string
	FailedKeys   []uint64
	FailedShards []int
	Causes       map[int]error
}

// NewPartialFailure returns an empty PartialFailureError for op.
func NewPartialFailure(op string) *PartialFailureError {
	return &PartialFailureError{Operation: op, Causes: make(map[int]error)}
}

// AddShard records that shardID failed for keys with the given cause.
func (e *PartialFailureError) AddShard(shardID int, cause error, keys ...uint64) {
	if _, seen := e.Causes[shardID]; !seen {
		e.FailedShards = append(e.FailedShards, shardID)
	}
	if cause != nil {
		e.Causes[shardID] = cause
	} else if _, seen := e.Causes[shardID]; !seen {
		e.Causes[shardID] = nil
	}
	e.FailedKeys = append(e.FailedKeys, keys...)
}

// Empty reports whether nothing failed.
func (e *PartialFailureError) Empty() bool {
	return len(e.FailedKeys) == 0 && len(e.FailedShards) == 0
}

// ErrOrNil returns e as an error when something failed, nil otherwise.
func (e *PartialFailureError) ErrOrNil() error {
	if e == nil || e.Empty() {
		return nil
	}
	sort.Ints(e.FailedShards)
	sort.Slice(e.FailedKeys, func(i, j int) bool { return e.FailedKeys[i] < e.FailedKeys[j] })
	return e
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %d keys failed on shards %v", ErrorTypePartialFailure, e.Operation, len(e.FailedKeys), e.FailedShards)
	for _, id := range e.FailedShards {
		if c := e.Causes[id]; c != nil {
			fmt.Fprintf(&b, "; shard %d: %v", id, c)
		}
	}
	return b.String()
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

// Unwrap exposes the per-shard causes so errors.Is(err, ErrTimeout) works.
func (e *PartialFailureError) Unwrap() []error {
	out := make([]error, 0, len(e.Causes))
	for _, id := range e.FailedShards {
		if c := e.Causes[id]; c != nil {
			out = append(out, c)
		}
	}
	return out
}
