package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctbui/ticketd/internal/domain"
	"github.com/ctbui/ticketd/internal/work"
)

type statusUpdate struct {
	jobID  string
	status string
	fields domain.UpdateFields
}

type fakeStore struct {
	jobs  map[string]*domain.Job
	byKey map[string]*domain.Job

	putErr    error
	updateErr error
	lookupErr error

	// hideKeyFromLookup makes GetByIdempotencyKey miss while the
	// conditional insert still sees the committed record, simulating a
	// concurrent submission landing between the two.
	hideKeyFromLookup bool

	puts        []*domain.Job
	conditional []*domain.Job
	updates     []statusUpdate
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:  make(map[string]*domain.Job),
		byKey: make(map[string]*domain.Job),
	}
}

func (s *fakeStore) Put(_ context.Context, job *domain.Job) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.puts = append(s.puts, job)
	s.jobs[job.JobID] = job
	return nil
}

func (s *fakeStore) PutIfAbsentOnKey(_ context.Context, job *domain.Job) (*domain.Job, error) {
	if s.putErr != nil {
		return nil, s.putErr
	}
	s.conditional = append(s.conditional, job)
	if existing, ok := s.byKey[job.IdempotencyKey]; ok {
		return existing, nil
	}
	s.jobs[job.JobID] = job
	s.byKey[job.IdempotencyKey] = job
	return nil, nil
}

func (s *fakeStore) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *fakeStore) GetByIdempotencyKey(_ context.Context, key string) (*domain.Job, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	if s.hideKeyFromLookup {
		return nil, domain.ErrJobNotFound
	}
	job, ok := s.byKey[key]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, jobID, status string, opts ...domain.UpdateOption) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates = append(s.updates, statusUpdate{jobID: jobID, status: status, fields: domain.ApplyUpdateOptions(opts)})
	if job, ok := s.jobs[jobID]; ok {
		job.Status = status
	}
	return nil
}

type publishedMessage struct {
	destination string
	body        []byte
	attributes  map[string]string
}

type fakeQueue struct {
	publishErr error
	published  []publishedMessage
}

func (q *fakeQueue) Publish(_ context.Context, destination string, body []byte, attributes map[string]string) (string, error) {
	if q.publishErr != nil {
		return "", q.publishErr
	}
	q.published = append(q.published, publishedMessage{destination: destination, body: body, attributes: attributes})
	return "msg-1", nil
}

func (q *fakeQueue) ReceiveBatch(context.Context, string, int, time.Duration) ([]domain.Delivery, error) {
	return nil, nil
}

func (q *fakeQueue) Acknowledge(context.Context, string, uint64) error { return nil }

func (q *fakeQueue) Release(context.Context, string, uint64) error { return nil }

func (q *fakeQueue) ChangeVisibility(context.Context, string, uint64, time.Duration) error {
	return nil
}

type recordingMetrics struct {
	mu    sync.Mutex
	names []string
}

func (m *recordingMetrics) Emit(name string, _ float64, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
}

func (m *recordingMetrics) emitted(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.names {
		if n == name {
			return true
		}
	}
	return false
}

func newTestService(store *fakeStore, queue *fakeQueue, metrics *recordingMetrics) *Service {
	return NewService(&Config{
		Store:     store,
		Queue:     queue,
		Metrics:   metrics,
		Registry:  work.DefaultRegistry(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		QueueName: "jobs",
	})
}

func TestSubmit_Success(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	metrics := &recordingMetrics{}
	svc := newTestService(store, queue, metrics)

	job, err := svc.Submit(context.Background(), &SubmitRequest{
		Type:     work.TypeProcessDocument,
		Priority: domain.PriorityHigh,
		Params:   map[string]any{"source": "s3://bucket/doc.pdf"},
		TraceID:  "trace-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, work.TypeProcessDocument, job.JobType)
	assert.Equal(t, domain.PriorityHigh, job.Priority)
	assert.NotEmpty(t, job.PayloadHash)

	require.Len(t, store.puts, 1)
	require.Len(t, queue.published, 1)

	pub := queue.published[0]
	assert.Equal(t, "jobs", pub.destination)
	assert.Equal(t, job.JobID, pub.attributes["jobId"])
	assert.Equal(t, "trace-1", pub.attributes["traceId"])
	assert.Equal(t, work.TypeProcessDocument, pub.attributes["jobType"])

	msg, err := domain.DecodeJobMessage(pub.body)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, msg.JobID)
	assert.Equal(t, job.PayloadHash, msg.PayloadHash)
	assert.Equal(t, "trace-1", msg.TraceID)

	assert.True(t, metrics.emitted("JobsCreated"))
	assert.True(t, metrics.emitted("QueuePublishLatency"))
}

func TestSubmit_DefaultsPriorityToNormal(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeQueue{}, &recordingMetrics{})

	job, err := svc.Submit(context.Background(), &SubmitRequest{
		Type:   work.TypeTransformData,
		Params: map[string]any{"rows": 10},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityNormal, job.Priority)
	assert.NotEmpty(t, job.TraceID)
}

func TestSubmit_ValidationRejectsBeforeSideEffects(t *testing.T) {
	tests := []struct {
		name string
		req  *SubmitRequest
		want string
	}{
		{
			name: "empty params",
			req:  &SubmitRequest{Type: work.TypeProcessDocument},
			want: "params cannot be empty",
		},
		{
			name: "unknown job type",
			req:  &SubmitRequest{Type: "mine_bitcoin", Params: map[string]any{"a": 1}},
			want: "job type must be one of",
		},
		{
			name: "invalid priority",
			req:  &SubmitRequest{Type: work.TypeProcessDocument, Priority: "urgent", Params: map[string]any{"a": 1}},
			want: "priority must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			queue := &fakeQueue{}
			svc := newTestService(store, queue, &recordingMetrics{})

			_, err := svc.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))
			assert.Contains(t, err.Error(), tt.want)

			// Nothing written, nothing published
			assert.Empty(t, store.puts)
			assert.Empty(t, store.conditional)
			assert.Empty(t, queue.published)
		})
	}
}

func TestSubmit_IdempotencyKeyReturnsExistingJob(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	svc := newTestService(store, queue, &recordingMetrics{})

	req := &SubmitRequest{
		Type:           work.TypeGenerateReport,
		Params:         map[string]any{"period": "2026-08"},
		IdempotencyKey: "report-2026-08",
	}

	first, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)

	second, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	// Only the first submission published
	assert.Len(t, queue.published, 1)
}

func TestSubmit_IdempotencyRaceReturnsWinner(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	svc := newTestService(store, queue, &recordingMetrics{})

	// The winner is committed between the lookup and the conditional
	// insert
	winner := domain.NewJob(work.TypeGenerateReport, domain.PriorityNormal,
		map[string]any{"period": "2026-08"}, nil, "report-2026-08", "trace-w")
	store.byKey["report-2026-08"] = winner
	store.hideKeyFromLookup = true

	got, err := svc.Submit(context.Background(), &SubmitRequest{
		Type:           work.TypeGenerateReport,
		Params:         map[string]any{"period": "2026-08"},
		IdempotencyKey: "report-2026-08",
	})
	require.NoError(t, err)

	assert.Equal(t, winner.JobID, got.JobID)
	assert.Empty(t, queue.published)
}

func TestSubmit_WrappedNotFoundFromLookupStillSubmits(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	svc := newTestService(store, queue, &recordingMetrics{})

	// Stores may wrap the sentinel with call-site context
	store.lookupErr = fmt.Errorf("select job by key: %w", domain.ErrJobNotFound)

	job, err := svc.Submit(context.Background(), &SubmitRequest{
		Type:           work.TypeGenerateReport,
		Params:         map[string]any{"period": "2026-08"},
		IdempotencyKey: "report-2026-08",
	})
	require.NoError(t, err)

	require.Len(t, store.conditional, 1)
	assert.Equal(t, job.JobID, store.conditional[0].JobID)
	assert.Len(t, queue.published, 1)
}

func TestSubmit_PublishFailureCompensatesToFailed(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{publishErr: errors.New("broker unavailable")}
	metrics := &recordingMetrics{}
	svc := newTestService(store, queue, metrics)

	_, err := svc.Submit(context.Background(), &SubmitRequest{
		Type:   work.TypeProcessDocument,
		Params: map[string]any{"source": "x"},
	})
	require.Error(t, err)
	assert.True(t, domain.IsDependencyError(err))
	assert.Contains(t, err.Error(), "broker unavailable")

	// The written record was compensated to FAILED with the publish error
	require.Len(t, store.updates, 1)
	update := store.updates[0]
	assert.Equal(t, domain.JobStatusFailed, update.status)
	require.NotNil(t, update.fields.Error)
	assert.Contains(t, *update.fields.Error, "broker unavailable")

	assert.True(t, metrics.emitted("JobsCreatedFailed"))
}

func TestSubmit_PublishFailureSurfacedEvenWhenCompensationFails(t *testing.T) {
	store := newFakeStore()
	store.updateErr = errors.New("db down too")
	queue := &fakeQueue{publishErr: errors.New("broker unavailable")}
	svc := newTestService(store, queue, &recordingMetrics{})

	_, err := svc.Submit(context.Background(), &SubmitRequest{
		Type:   work.TypeProcessDocument,
		Params: map[string]any{"source": "x"},
	})
	require.Error(t, err)
	assert.True(t, domain.IsDependencyError(err))
	assert.Contains(t, err.Error(), "broker unavailable")
}

func TestGet(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeQueue{}, &recordingMetrics{})

	job := domain.NewJob(work.TypeTransformData, domain.PriorityNormal, map[string]any{"a": 1}, nil, "", "")
	store.jobs[job.JobID] = job

	got, err := svc.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)

	_, err = svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRetry(t *testing.T) {
	t.Run("pending job is re-published without mutation", func(t *testing.T) {
		store := newFakeStore()
		queue := &fakeQueue{}
		svc := newTestService(store, queue, &recordingMetrics{})

		job := domain.NewJob(work.TypeTransformData, domain.PriorityNormal, map[string]any{"a": 1}, nil, "", "trace-old")
		store.jobs[job.JobID] = job

		got, err := svc.Retry(context.Background(), job.JobID, "trace-new")
		require.NoError(t, err)
		assert.Equal(t, job.JobID, got.JobID)
		assert.Equal(t, domain.JobStatusPending, got.Status)

		require.Len(t, queue.published, 1)
		msg, err := domain.DecodeJobMessage(queue.published[0].body)
		require.NoError(t, err)
		assert.Equal(t, "trace-new", msg.TraceID)

		// No status writes
		assert.Empty(t, store.updates)
	})

	t.Run("non-pending job is rejected", func(t *testing.T) {
		for _, status := range []string{
			domain.JobStatusProcessing,
			domain.JobStatusSucceeded,
			domain.JobStatusFailed,
			domain.JobStatusFailedFinal,
		} {
			store := newFakeStore()
			queue := &fakeQueue{}
			svc := newTestService(store, queue, &recordingMetrics{})

			job := domain.NewJob(work.TypeTransformData, domain.PriorityNormal, map[string]any{"a": 1}, nil, "", "")
			job.Status = status
			store.jobs[job.JobID] = job

			_, err := svc.Retry(context.Background(), job.JobID, "")
			require.Error(t, err, status)
			assert.True(t, errors.Is(err, domain.ErrInvalidState), status)
			assert.Empty(t, queue.published, status)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		svc := newTestService(newFakeStore(), &fakeQueue{}, &recordingMetrics{})
		_, err := svc.Retry(context.Background(), "missing", "")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("publish failure surfaces as dependency error", func(t *testing.T) {
		store := newFakeStore()
		queue := &fakeQueue{publishErr: errors.New("broker unavailable")}
		svc := newTestService(store, queue, &recordingMetrics{})

		job := domain.NewJob(work.TypeTransformData, domain.PriorityNormal, map[string]any{"a": 1}, nil, "", "")
		store.jobs[job.JobID] = job

		_, err := svc.Retry(context.Background(), job.JobID, "")
		require.Error(t, err)
		assert.True(t, domain.IsDependencyError(err))
		// Retry never compensates: the job stays PENDING
		assert.Empty(t, store.updates)
	})
}
