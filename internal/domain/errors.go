package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in storage
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidState is returned when an operation is not valid for the
	// job's current status
	ErrInvalidState = errors.New("operation not valid for current job status")

	// ErrValidation is returned for malformed caller input
	ErrValidation = errors.New("validation failed")
)

// ValidationError wraps a caller-input problem (surfaced as 4xx, never
// retried internally).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError with the given reason.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports the status that blocked an operation.
type InvalidStateError struct {
	JobID  string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("job %s is not in PENDING status (current: %s)", e.JobID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// DependencyError wraps a storage or queue transport failure (surfaced as
// 5xx to the submission caller).
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// NewDependencyError wraps err with the failing dependency operation name.
func NewDependencyError(op string, err error) error {
	return &DependencyError{Op: op, Err: err}
}

// IsDependencyError reports whether err carries a DependencyError.
func IsDependencyError(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}

// WorkErrorKind classifies a work failure for the retry engine.
type WorkErrorKind int

const (
	// WorkErrorTransient failures are retried with backoff
	WorkErrorTransient WorkErrorKind = iota
	// WorkErrorPermanent failures are never retried in-process
	WorkErrorPermanent
)

// WorkError is a structured failure from a Work implementation. Carrying the
// kind explicitly lets the processor classify without inspecting message
// text.
type WorkError struct {
	Kind WorkErrorKind
	Err  error
}

func (e *WorkError) Error() string { return e.Err.Error() }

func (e *WorkError) Unwrap() error { return e.Err }

// NewTransientWorkError marks err as retryable.
func NewTransientWorkError(err error) error {
	return &WorkError{Kind: WorkErrorTransient, Err: err}
}

// NewPermanentWorkError marks err as not retryable.
func NewPermanentWorkError(err error) error {
	return &WorkError{Kind: WorkErrorPermanent, Err: err}
}

// transient substring indicators, kept for parity with plain errors that
// carry no structured kind
var retryableIndicators = []string{
	"500",
	"503",
	"504",
	"throttl",
	"timeout",
	"connection",
	"network",
}

// IsRetryable classifies an error for the in-process retry loop. A
// structured WorkError decides by its kind; anything else falls back to
// matching transient indicators in the message text.
func IsRetryable(err error) bool {
	var we *WorkError
	if errors.As(err, &we) {
		return we.Kind == WorkErrorTransient
	}

	msg := strings.ToLower(err.Error())
	for _, indicator := range retryableIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
