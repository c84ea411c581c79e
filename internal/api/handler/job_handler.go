package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ctbui/ticketd/internal/api/dto"
	"github.com/ctbui/ticketd/internal/domain"
	"github.com/ctbui/ticketd/internal/storage"
	"github.com/ctbui/ticketd/internal/submit"
)

// CreateJob handles POST /api/v1/jobs
// Submits a new job for asynchronous processing.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	job, err := h.submit.Submit(c.Request.Context(), &submit.SubmitRequest{
		Type:           req.Type,
		Priority:       req.Priority,
		Params:         req.Params,
		Metadata:       req.Metadata,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		TraceID:        c.GetHeader("X-Trace-Id"),
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id is required"})
		return
	}

	job, err := h.submit.Get(c.Request.Context(), jobID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Re-publishes the processing message for a PENDING job that is suspected of
// never having been enqueued. Stored state is not changed.
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.submit.Retry(c.Request.Context(), jobID, c.GetHeader("X-Trace-Id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), storage.JobFilter{
		JobType:  req.JobType,
		Status:   req.Status,
		Priority: req.Priority,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

// renderError maps the error taxonomy to HTTP status codes: validation and
// wrong-state problems are the caller's (4xx), dependency failures are ours
// (5xx).
func (h *JobHandler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidState):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
	default:
		h.logger.Error("Request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error()})
	}
}
