package sberrors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrorCode(""), GetCode(nil))
	assert.Equal(t, ErrCodeNotFound, GetCode(New(ErrCodeNotFound, "rollout not found")))
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("plain")))

	// Code survives wrapping
	inner := New(ErrCodeConflict, "version mismatch")
	outer := Wrap(inner, ErrCodeTransient, "store write")
	assert.Equal(t, ErrCodeTransient, GetCode(outer))
	var e *Error
	require.True(t, errors.As(errors.Unwrap(outer), &e))
	assert.Equal(t, ErrCodeConflict, e.Code)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, ErrCodeInternal, "ignored"))
	assert.NoError(t, Wrapf(nil, ErrCodeInternal, "ignored %d", 1))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeTransient, "store unreachable")))
	assert.True(t, IsRetryable(New(ErrCodeConflict, "occ mismatch")))
	assert.False(t, IsRetryable(New(ErrCodeValidation, "bad phases")))
	assert.False(t, IsRetryable(New(ErrCodeFatal, "invariant violated")))
	assert.False(t, IsRetryable(New(ErrCodeNotFound, "missing")))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Multiplier:    2.0,
		RetryableFunc: IsRetryable,
	}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return New(ErrCodeTransient, "flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	cfg := &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Multiplier:    2.0,
		RetryableFunc: IsRetryable,
	}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return New(ErrCodeValidation, "rejected")
	})

	assert.Equal(t, 1, attempts)
	assert.Equal(t, ErrCodeValidation, GetCode(err))
}

func TestRetryExhaustion(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		Multiplier:    2.0,
		RetryableFunc: IsRetryable,
	}

	err := Retry(context.Background(), cfg, func() error {
		return New(ErrCodeTransient, "still down")
	})

	assert.Equal(t, ErrCodeExhausted, GetCode(err))
}
