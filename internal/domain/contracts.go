package domain

import (
	"context"
	"time"
)

// Store is the durable job storage collaborator. Lookups return
// ErrJobNotFound when no record exists; transport or permission failures
// come back wrapped in a DependencyError. Updates are atomic per record but
// not cross-record transactional.
type Store interface {
	// Put writes a job record unconditionally.
	Put(ctx context.Context, job *Job) error

	// PutIfAbsentOnKey writes the job only if no record with the same
	// idempotency key is already committed. When a record exists it is
	// returned and the given job is discarded; on a fresh insert the
	// returned job is nil.
	PutIfAbsentOnKey(ctx context.Context, job *Job) (*Job, error)

	GetByID(ctx context.Context, jobID string) (*Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Job, error)

	// UpdateStatus sets the status and any optional fields, bumping
	// updatedAt.
	UpdateStatus(ctx context.Context, jobID, status string, opts ...UpdateOption) error
}

// UpdateOption selects optional fields for Store.UpdateStatus.
type UpdateOption func(*UpdateFields)

// UpdateFields carries the optional columns of a status update.
type UpdateFields struct {
	Result   map[string]any
	Error    *string
	Attempts *int
}

// WithResult attaches the work output.
func WithResult(result map[string]any) UpdateOption {
	return func(f *UpdateFields) { f.Result = result }
}

// WithError attaches the last error message.
func WithError(msg string) UpdateOption {
	return func(f *UpdateFields) { f.Error = &msg }
}

// WithAttempts sets the attempt counter.
func WithAttempts(n int) UpdateOption {
	return func(f *UpdateFields) { f.Attempts = &n }
}

// ApplyUpdateOptions folds options into a fields struct.
func ApplyUpdateOptions(opts []UpdateOption) UpdateFields {
	var f UpdateFields
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// Delivery is one received queue message.
type Delivery struct {
	Body   []byte
	Handle uint64
}

// Queue is the at-least-once message queue collaborator. A destination names
// a queue; the redrive policy that moves repeatedly released messages to the
// dead-letter destination is configured on the broker and opaque to callers.
type Queue interface {
	// Publish sends a message and returns the broker message id.
	Publish(ctx context.Context, destination string, body []byte, attributes map[string]string) (string, error)

	// ReceiveBatch long-polls for up to maxMessages, blocking up to wait.
	ReceiveBatch(ctx context.Context, destination string, maxMessages int, wait time.Duration) ([]Delivery, error)

	// Acknowledge removes a delivered message.
	Acknowledge(ctx context.Context, destination string, handle uint64) error

	// Release returns a delivered message to the queue for redelivery,
	// counting against the redrive policy.
	Release(ctx context.Context, destination string, handle uint64) error

	// ChangeVisibility adjusts how long a delivered message stays hidden
	// from other consumers.
	ChangeVisibility(ctx context.Context, destination string, handle uint64, timeout time.Duration) error
}

// Metric units.
const (
	UnitCount        = "Count"
	UnitMilliseconds = "Milliseconds"
)

// Metrics is a fire-and-forget sink. Emit never blocks and never fails the
// caller's operation.
type Metrics interface {
	Emit(name string, value float64, unit string)
}

// NopMetrics discards all emissions.
type NopMetrics struct{}

func (NopMetrics) Emit(string, float64, string) {}
