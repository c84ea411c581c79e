package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	err := NewValidationError("params cannot be empty")

	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "params cannot be empty")
}

func TestInvalidStateError(t *testing.T) {
	err := &InvalidStateError{JobID: "job-1", Status: JobStatusSucceeded}

	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, "job job-1 is not in PENDING status (current: SUCCEEDED)", err.Error())
}

func TestDependencyError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewDependencyError("publish job message", cause)

	assert.True(t, IsDependencyError(err))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "publish job message: connection refused", err.Error())

	assert.False(t, IsDependencyError(cause))
}

func TestIsRetryable_StructuredKind(t *testing.T) {
	transient := NewTransientWorkError(errors.New("downstream hiccup"))
	permanent := NewPermanentWorkError(errors.New("document is unreadable"))

	assert.True(t, IsRetryable(transient))
	assert.False(t, IsRetryable(permanent))

	// Kind wins even when the text would match a transient indicator
	assert.False(t, IsRetryable(NewPermanentWorkError(errors.New("upstream returned 503"))))

	// Wrapped work errors still classify by kind
	wrapped := fmt.Errorf("execute: %w", transient)
	assert.True(t, IsRetryable(wrapped))
}

func TestIsRetryable_TextFallback(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"http 500", errors.New("500 Internal Server Error"), true},
		{"http 503", errors.New("503 Service Unavailable"), true},
		{"http 504", errors.New("504 Gateway Timeout"), true},
		{"throttled", errors.New("request was throttled by upstream"), true},
		{"timeout", errors.New("operation timeout exceeded"), true},
		{"connection", errors.New("connection reset by peer"), true},
		{"network", errors.New("network unreachable"), true},
		{"case insensitive", errors.New("Connection Refused"), true},

		{"validation", errors.New("invalid document format"), false},
		{"not found", errors.New("object does not exist"), false},
		{"generic", errors.New("something went wrong"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestWorkError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewTransientWorkError(cause)

	require.True(t, errors.Is(err, cause))
	assert.Equal(t, "boom", err.Error())
}
