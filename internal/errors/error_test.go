package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError_Error(t *testing.T) {
	err := New(ErrorTypeValidation, "test_op", "test message")
	assert.Equal(t, "[validation] test_op: test message", err.Error())

	cause := errors.New("underlying error")
	err = Wrap(cause, ErrorTypeStorage, "save_op", "failed to save")
	assert.Contains(t, err.Error(), "[storage] save_op: failed to save")
	assert.Contains(t, err.Error(), "underlying error")
	assert.Equal(t, cause, err.Unwrap())
}

func TestStructuredError_WithContext(t *testing.T) {
	err := New(ErrorTypeCapacity, "add", "shard full")
	err = err.WithContext("shard", 3).WithContext("capacity", 100)

	assert.Equal(t, 3, err.Context["shard"])
	assert.Equal(t, 100, err.Context["capacity"])
}

func TestSentinelMatching(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{NewValidationError("op", "msg"), ErrInvalidArgument},
		{NewCapacityError("op", "msg"), ErrCapacityExceeded},
		{NewNotFoundError("op", "msg"), ErrNotFound},
		{NewUnavailableError("op", "msg"), ErrUnavailable},
		{NewTimeoutError("op", "msg"), ErrTimeout},
		{WrapStorageError(errors.New("disk"), "op", "msg"), ErrIO},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, tc.err, tc.sentinel)
		wrapped := fmt.Errorf("outer: %w", tc.err)
		assert.ErrorIs(t, wrapped, tc.sentinel)
	}

	assert.NotErrorIs(t, NewCapacityError("op", "msg"), ErrNotFound)
}

func TestTypeOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewUnavailableError("search", "shard failed"))
	assert.Equal(t, ErrorTypeUnavailable, TypeOf(err))
	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))
}

func TestErrorWrapping(t *testing.T) {
	originalErr := errors.New("original error")

	wrapped := WrapValidationError(originalErr, "validate", "validation failed")
	assert.Equal(t, ErrorTypeValidation, wrapped.Type)
	assert.Equal(t, "validate", wrapped.Operation)
	assert.Equal(t, "validation failed", wrapped.Message)
	assert.Equal(t, originalErr, wrapped.Unwrap())

	assert.Nil(t, Wrap(nil, ErrorTypeStorage, "op", "msg"))
}

func TestStackTraceCapture(t *testing.T) {
	err := New(ErrorTypeValidation, "test", "message")
	assert.Greater(t, len(err.Stack), 0)
}

func TestPartialFailure(t *testing.T) {
	pf := NewPartialFailure("add_batch")
	assert.NoError(t, pf.ErrOrNil())

	pf.AddShard(2, NewTimeoutError("add_batch", "deadline"), 9, 4)
	pf.AddShard(0, NewCapacityError("add_batch", "full"), 1)
	pf.AddShard(2, nil, 7)

	err := pf.ErrOrNil()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialFailure)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	var got *PartialFailureError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, []uint64{1, 4, 7, 9}, got.FailedKeys)
	assert.Equal(t, []int{0, 2}, got.FailedShards)
	assert.Contains(t, got.Error(), "4 keys failed")
}
