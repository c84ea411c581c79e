package work

import (
	"context"
	"fmt"
	"time"

	"github.com/ctbui/ticketd/internal/domain"
)

// Built-in job type names.
const (
	TypeProcessDocument = "process_document"
	TypeGenerateReport  = "generate_report"
	TypeTransformData   = "transform_data"
)

// DefaultRegistry returns a registry with the built-in simulated work types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeProcessDocument, WorkFunc(processDocument))
	r.Register(TypeGenerateReport, WorkFunc(generateReport))
	r.Register(TypeTransformData, WorkFunc(transformData))
	return r
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func processDocument(ctx context.Context, job *domain.Job) (map[string]any, error) {
	if err := sleep(ctx, 500*time.Millisecond); err != nil {
		return nil, err
	}
	source, ok := job.Params["source"].(string)
	if !ok {
		source = "unknown"
	}
	return map[string]any{
		"status": "processed",
		"output": fmt.Sprintf("Processed document from %s", source),
	}, nil
}

func generateReport(ctx context.Context, job *domain.Job) (map[string]any, error) {
	if err := sleep(ctx, time.Second); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":     "generated",
		"report_url": fmt.Sprintf("s3://bucket/reports/%s.pdf", job.JobID),
	}, nil
}

func transformData(ctx context.Context, job *domain.Job) (map[string]any, error) {
	if err := sleep(ctx, 300*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":            "transformed",
		"records_processed": 100,
	}, nil
}
