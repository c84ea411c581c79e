package handler

import (
	"context"
	"log/slog"

	"github.com/ctbui/ticketd/internal/domain"
	"github.com/ctbui/ticketd/internal/storage"
	"github.com/ctbui/ticketd/internal/submit"
)

// JobLister reads filtered, cursor-paginated job listings. *storage.Store
// satisfies it.
type JobLister interface {
	List(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Submit *submit.Service
	Store  JobLister
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	submit *submit.Service
	store  JobLister
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		submit: deps.Submit,
		store:  deps.Store,
	}
}
