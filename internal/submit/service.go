// Package submit implements the job submission service: validate, record,
// enqueue, and compensate when enqueueing fails after the record was
// written.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ctbui/ticketd/internal/domain"
	"github.com/ctbui/ticketd/internal/work"
)

// Config holds the submission service dependencies.
type Config struct {
	Store    domain.Store
	Queue    domain.Queue
	Metrics  domain.Metrics
	Registry *work.Registry
	Logger   *slog.Logger
	Tracer   trace.Tracer

	// QueueName is the destination jobs are published to.
	QueueName string
}

// Service creates jobs, deduplicates on idempotency key, and publishes the
// processing message.
type Service struct {
	store     domain.Store
	queue     domain.Queue
	metrics   domain.Metrics
	registry  *work.Registry
	logger    *slog.Logger
	tracer    trace.Tracer
	queueName string
}

// NewService creates a submission service. Metrics and Tracer may be nil, in
// which case no-op implementations are used.
func NewService(cfg *Config) *Service {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("submit")
	}
	return &Service{
		store:     cfg.Store,
		queue:     cfg.Queue,
		metrics:   metrics,
		registry:  cfg.Registry,
		logger:    cfg.Logger,
		tracer:    tracer,
		queueName: cfg.QueueName,
	}
}

// SubmitRequest carries the caller's job submission.
type SubmitRequest struct {
	Type           string
	Priority       string
	Params         map[string]any
	Metadata       map[string]any
	IdempotencyKey string
	TraceID        string
}

// Submit validates the request, records the job, and publishes the
// processing message. When an idempotency key is supplied and a job with
// that key already exists, the existing job is returned verbatim with no
// write and no publish. If the publish fails after the record was written,
// the job is compensated to FAILED and the publish failure is surfaced as a
// DependencyError.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "submit.Submit")
	defer span.End()

	if err := s.validate(req); err != nil {
		return nil, err
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}

	// Fast path: a committed job with this key wins before anything is
	// written.
	if req.IdempotencyKey != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			s.logger.Info("Job already exists with idempotency key",
				slog.String("idempotency_key", req.IdempotencyKey),
				slog.String("job_id", existing.JobID),
				slog.String("trace_id", traceID),
			)
			return existing, nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, err
		}
	}

	job := domain.NewJob(req.Type, req.Priority, req.Params, req.Metadata, req.IdempotencyKey, traceID)

	if req.IdempotencyKey != "" {
		// Conditional insert closes the race between two submissions that
		// both passed the lookup above.
		existing, err := s.store.PutIfAbsentOnKey(ctx, job)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.logger.Info("Concurrent submission won the idempotency race",
				slog.String("idempotency_key", req.IdempotencyKey),
				slog.String("job_id", existing.JobID),
			)
			return existing, nil
		}
	} else {
		if err := s.store.Put(ctx, job); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("status", job.Status),
		slog.String("trace_id", traceID),
	)

	if err := s.publish(ctx, job, traceID); err != nil {
		// Compensation: mark the stored job FAILED so it is not left
		// looking runnable; the original publish failure is what the
		// caller sees either way.
		s.logger.Error("Failed to publish job, marking as FAILED",
			slog.String("job_id", job.JobID),
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()),
		)
		if updateErr := s.store.UpdateStatus(ctx, job.JobID, domain.JobStatusFailed, domain.WithError(err.Error())); updateErr != nil {
			s.logger.Error("Failed to update job status after publish failure",
				slog.String("job_id", job.JobID),
				slog.String("error", updateErr.Error()),
			)
		}
		s.metrics.Emit("JobsCreatedFailed", 1, domain.UnitCount)
		return nil, domain.NewDependencyError("publish job message", err)
	}

	s.metrics.Emit("JobsCreated", 1, domain.UnitCount)
	return job, nil
}

// Get returns a job by id, or ErrJobNotFound.
func (s *Service) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.store.GetByID(ctx, jobID)
}

// Retry re-publishes the processing message for a job that was written but
// is suspected of never having been enqueued. Only PENDING jobs qualify;
// stored state is not mutated.
func (s *Service) Retry(ctx context.Context, jobID, traceID string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "submit.Retry")
	defer span.End()

	if traceID == "" {
		traceID = uuid.New().String()
	}

	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// Re-publishing is the PENDING self-transition; any other stored
	// status makes the request invalid.
	if !domain.CanTransition(job.Status, domain.JobStatusPending) {
		return nil, &domain.InvalidStateError{JobID: job.JobID, Status: job.Status}
	}

	if err := s.publish(ctx, job, traceID); err != nil {
		s.logger.Error("Failed to re-publish job",
			slog.String("job_id", job.JobID),
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()),
		)
		return nil, domain.NewDependencyError("re-publish job message", err)
	}

	s.logger.Info("Job re-published",
		slog.String("job_id", job.JobID),
		slog.String("trace_id", traceID),
	)
	return job, nil
}

func (s *Service) publish(ctx context.Context, job *domain.Job, traceID string) error {
	msg := &domain.JobMessage{
		JobID:       job.JobID,
		PayloadHash: job.PayloadHash,
		TraceID:     traceID,
	}
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}

	attributes := map[string]string{
		"jobId":   job.JobID,
		"traceId": traceID,
		"jobType": job.JobType,
	}

	start := time.Now()
	if _, err := s.queue.Publish(ctx, s.queueName, body, attributes); err != nil {
		return err
	}
	latency := time.Since(start)

	s.logger.Info("Job published",
		slog.String("job_id", job.JobID),
		slog.String("trace_id", traceID),
		slog.Duration("publish_latency", latency),
	)
	s.metrics.Emit("QueuePublishLatency", float64(latency.Milliseconds()), domain.UnitMilliseconds)
	return nil
}

func (s *Service) validate(req *SubmitRequest) error {
	if len(req.Params) == 0 {
		return domain.NewValidationError("params cannot be empty - at least one parameter is required")
	}
	if !s.registry.Contains(req.Type) {
		return domain.NewValidationError("job type must be one of: %s", strings.Join(s.registry.Types(), ", "))
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(req.Priority) {
		return domain.NewValidationError("priority must be one of: low, normal, high")
	}
	return nil
}
