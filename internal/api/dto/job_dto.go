package dto

import "github.com/ctbui/ticketd/internal/domain"

// CreateJobRequest is the POST /jobs body. Idempotency key and trace id
// travel in the Idempotency-Key and X-Trace-Id headers, not the body.
type CreateJobRequest struct {
	Type     string         `json:"type" binding:"required"`
	Priority string         `json:"priority"`
	Params   map[string]any `json:"params"`
	Metadata map[string]any `json:"metadata"`
}

// ListJobsRequest holds the list query parameters.
type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	Priority string `form:"priority"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListJobsResponse pages job records.
type ListJobsResponse struct {
	Jobs       []*domain.Job `json:"jobs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// ErrorResponse carries an error message.
type ErrorResponse struct {
	Error string `json:"error"`
}
