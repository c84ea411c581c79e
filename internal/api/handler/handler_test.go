package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctbui/ticketd/internal/api/dto"
	"github.com/ctbui/ticketd/internal/domain"
	"github.com/ctbui/ticketd/internal/storage"
	"github.com/ctbui/ticketd/internal/submit"
	"github.com/ctbui/ticketd/internal/work"
)

type fakeStore struct {
	jobs  map[string]*domain.Job
	byKey map[string]*domain.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*domain.Job), byKey: make(map[string]*domain.Job)}
}

func (s *fakeStore) Put(_ context.Context, job *domain.Job) error {
	s.jobs[job.JobID] = job
	return nil
}

func (s *fakeStore) PutIfAbsentOnKey(_ context.Context, job *domain.Job) (*domain.Job, error) {
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
	job, ok := s.byKey[key]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, jobID, status string, _ ...domain.UpdateOption) error {
	if job, ok := s.jobs[jobID]; ok {
		job.Status = status
	}
	return nil
}

type fakeQueue struct {
	publishErr error
	published  int
}

func (q *fakeQueue) Publish(context.Context, string, []byte, map[string]string) (string, error) {
	if q.publishErr != nil {
		return "", q.publishErr
	}
	q.published++
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

type fakeLister struct {
	jobs      []*domain.Job
	listErr   error
	gotFilter storage.JobFilter
}

func (l *fakeLister) List(_ context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	l.gotFilter = filter
	if l.listErr != nil {
		return nil, l.listErr
	}
	// the store fetches one extra row so the handler can detect more pages
	if len(l.jobs) > filter.PageSize+1 {
		return l.jobs[:filter.PageSize+1], nil
	}
	return l.jobs, nil
}

func newListRouter(lister *fakeLister) *gin.Engine {
	gin.SetMode(gin.TestMode)

	h := &JobHandler{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		store:  lister,
	}

	r := gin.New()
	r.GET("/api/v1/jobs", h.ListJobs)
	return r
}

func newTestRouter(store *fakeStore, queue *fakeQueue) *gin.Engine {
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := submit.NewService(&submit.Config{
		Store:     store,
		Queue:     queue,
		Registry:  work.DefaultRegistry(),
		Logger:    logger,
		QueueName: "jobs",
	})

	h := &JobHandler{logger: logger, submit: svc}

	r := gin.New()
	r.POST("/api/v1/jobs", h.CreateJob)
	r.GET("/api/v1/jobs/:job_id", h.GetJob)
	r.POST("/api/v1/jobs/:job_id/retry", h.RetryJob)
	return r
}

func doRequest(r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	store := newFakeStore()
	r := newTestRouter(store, &fakeQueue{})

	rec := doRequest(r, http.MethodPost, "/api/v1/jobs", map[string]any{
		"type":     "process_document",
		"priority": "high",
		"params":   map[string]any{"source": "s3://bucket/doc.pdf"},
	}, map[string]string{"X-Trace-Id": "trace-1"})

	require.Equal(t, http.StatusCreated, rec.Code)

	var job domain.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, "high", job.Priority)
	assert.Equal(t, "trace-1", job.TraceID)
}

func TestCreateJob_InvalidBody(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakeQueue{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid request body")
}

func TestCreateJob_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{
			name: "empty params",
			body: map[string]any{"type": "process_document", "params": map[string]any{}},
			want: "params cannot be empty",
		},
		{
			name: "unknown type",
			body: map[string]any{"type": "mine_bitcoin", "params": map[string]any{"a": 1}},
			want: "job type must be one of",
		},
		{
			name: "bad priority",
			body: map[string]any{"type": "process_document", "priority": "urgent", "params": map[string]any{"a": 1}},
			want: "priority must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(newFakeStore(), &fakeQueue{})
			rec := doRequest(r, http.MethodPost, "/api/v1/jobs", tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestCreateJob_IdempotencyKeyHeader(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	r := newTestRouter(store, queue)

	body := map[string]any{
		"type":   "generate_report",
		"params": map[string]any{"period": "2026-08"},
	}
	headers := map[string]string{"Idempotency-Key": "report-2026-08"}

	first := doRequest(r, http.MethodPost, "/api/v1/jobs", body, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(r, http.MethodPost, "/api/v1/jobs", body, headers)
	require.Equal(t, http.StatusCreated, second.Code)

	var a, b domain.Job
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.JobID, b.JobID)
	assert.Equal(t, 1, queue.published)
}

func TestCreateJob_PublishFailureIs500(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakeQueue{publishErr: errors.New("broker unavailable")})

	rec := doRequest(r, http.MethodPost, "/api/v1/jobs", map[string]any{
		"type":   "process_document",
		"params": map[string]any{"a": 1},
	}, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker unavailable")
}

func TestGetJob(t *testing.T) {
	store := newFakeStore()
	r := newTestRouter(store, &fakeQueue{})

	job := domain.NewJob("transform_data", domain.PriorityNormal, map[string]any{"a": 1}, nil, "", "")
	store.jobs[job.JobID] = job

	rec := doRequest(r, http.MethodGet, "/api/v1/jobs/"+job.JobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, job.JobID, got.JobID)
}

func TestGetJob_NotFound(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakeQueue{})

	rec := doRequest(r, http.MethodGet, "/api/v1/jobs/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "job not found")
}

func TestRetryJob(t *testing.T) {
	t.Run("pending job", func(t *testing.T) {
		store := newFakeStore()
		queue := &fakeQueue{}
		r := newTestRouter(store, queue)

		job := domain.NewJob("transform_data", domain.PriorityNormal, map[string]any{"a": 1}, nil, "", "")
		store.jobs[job.JobID] = job

		rec := doRequest(r, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/retry", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, queue.published)
	})

	t.Run("non-pending job", func(t *testing.T) {
		store := newFakeStore()
		r := newTestRouter(store, &fakeQueue{})

		job := domain.NewJob("transform_data", domain.PriorityNormal, map[string]any{"a": 1}, nil, "", "")
		job.Status = domain.JobStatusSucceeded
		store.jobs[job.JobID] = job

		rec := doRequest(r, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/retry", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "not in PENDING status")
	})

	t.Run("unknown job", func(t *testing.T) {
		r := newTestRouter(newFakeStore(), &fakeQueue{})

		rec := doRequest(r, http.MethodPost, "/api/v1/jobs/missing/retry", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func listFixture(n int) []*domain.Job {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	jobs := make([]*domain.Job, 0, n)
	for i := 0; i < n; i++ {
		job := domain.NewJob("transform_data", domain.PriorityNormal, map[string]any{"i": i}, nil, "", "")
		job.CreatedAt = base.Add(-time.Duration(i) * time.Minute)
		jobs = append(jobs, job)
	}
	return jobs
}

func TestListJobs(t *testing.T) {
	t.Run("paginates and emits the next cursor", func(t *testing.T) {
		lister := &fakeLister{jobs: listFixture(5)}
		r := newListRouter(lister)

		rec := doRequest(r, http.MethodGet, "/api/v1/jobs?page_size=2", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp dto.ListJobsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Jobs, 2)
		require.NotEmpty(t, resp.NextCursor)

		// the cursor marks the last returned row
		cursor, err := DecodeJobCursor(resp.NextCursor)
		require.NoError(t, err)
		assert.Equal(t, resp.Jobs[1].JobID, cursor.JobID)
		assert.Equal(t, resp.Jobs[1].CreatedAt.UnixNano(), cursor.CreatedAt.UnixNano())

		assert.Equal(t, 2, lister.gotFilter.PageSize)
		assert.Nil(t, lister.gotFilter.Cursor)
	})

	t.Run("no cursor on the last page", func(t *testing.T) {
		lister := &fakeLister{jobs: listFixture(2)}
		r := newListRouter(lister)

		rec := doRequest(r, http.MethodGet, "/api/v1/jobs?page_size=2", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp dto.ListJobsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Jobs, 2)
		assert.Empty(t, resp.NextCursor)
	})

	t.Run("page size defaults and clamps", func(t *testing.T) {
		tests := []struct {
			name  string
			query string
			want  int
		}{
			{name: "default", query: "", want: 20},
			{name: "clamped to the maximum", query: "?page_size=500", want: 100},
			{name: "negative falls back to default", query: "?page_size=-1", want: 20},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				lister := &fakeLister{}
				r := newListRouter(lister)

				rec := doRequest(r, http.MethodGet, "/api/v1/jobs"+tt.query, nil, nil)
				require.Equal(t, http.StatusOK, rec.Code)
				assert.Equal(t, tt.want, lister.gotFilter.PageSize)
			})
		}
	})

	t.Run("passes filters and cursor to the store", func(t *testing.T) {
		lister := &fakeLister{}
		r := newListRouter(lister)

		cursor := &storage.JobCursor{
			CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			JobID:     "job-7",
		}
		path := "/api/v1/jobs?job_type=transform_data&status=PENDING&priority=high&cursor=" + EncodeJobCursor(cursor)

		rec := doRequest(r, http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		assert.Equal(t, "transform_data", lister.gotFilter.JobType)
		assert.Equal(t, domain.JobStatusPending, lister.gotFilter.Status)
		assert.Equal(t, domain.PriorityHigh, lister.gotFilter.Priority)
		require.NotNil(t, lister.gotFilter.Cursor)
		assert.Equal(t, cursor.JobID, lister.gotFilter.Cursor.JobID)
		assert.Equal(t, cursor.CreatedAt.UnixNano(), lister.gotFilter.Cursor.CreatedAt.UnixNano())
	})

	t.Run("rejects an invalid cursor", func(t *testing.T) {
		r := newListRouter(&fakeLister{})

		rec := doRequest(r, http.MethodGet, "/api/v1/jobs?cursor=%21%21not-a-cursor", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid cursor")
	})

	t.Run("store failure", func(t *testing.T) {
		r := newListRouter(&fakeLister{listErr: domain.NewDependencyError("list jobs", errors.New("connection refused"))})

		rec := doRequest(r, http.MethodGet, "/api/v1/jobs", nil, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
