// Package storage implements the durable job store contract on PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ctbui/ticketd/internal/domain"
	"github.com/ctbui/ticketd/shared/postgresql"
)

const jobColumns = `
	job_id, status, job_type, priority, params, metadata, idempotency_key,
	trace_id, payload_hash, created_at, updated_at, attempts, result,
	error_message, expires_at
`

// Store is the PostgreSQL implementation of domain.Store. The partial unique
// index on idempotency_key makes PutIfAbsentOnKey an atomic insert-if-absent,
// so the dedup guarantee holds under concurrent submissions.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store on the shared PostgreSQL client.
func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{db: pg.GetDB(), logger: logger}
}

// Put writes a job record unconditionally.
func (s *Store) Put(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	args, err := insertArgs(job)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return domain.NewDependencyError("insert job", err)
	}
	return nil
}

// PutIfAbsentOnKey inserts the job unless a record with the same idempotency
// key already exists, in which case the committed record is returned.
func (s *Store) PutIfAbsentOnKey(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL
		DO NOTHING
	`

	args, err := insertArgs(job)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewDependencyError("insert job", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, domain.NewDependencyError("insert job", err)
	}
	if rows > 0 {
		return nil, nil
	}

	// Lost the race: surface the record that won.
	existing, err := s.GetByIdempotencyKey(ctx, job.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("Conditional insert found existing job",
		slog.String("idempotency_key", job.IdempotencyKey),
		slog.String("job_id", existing.JobID),
	)
	return existing, nil
}

// GetByID retrieves a job, or domain.ErrJobNotFound.
func (s *Store) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`
	return s.getOne(ctx, query, jobID)
}

// GetByIdempotencyKey retrieves the job committed under the key, or
// domain.ErrJobNotFound.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE idempotency_key = $1 LIMIT 1`
	return s.getOne(ctx, query, key)
}

func (s *Store) getOne(ctx context.Context, query string, arg any) (*domain.Job, error) {
	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.NewDependencyError("get job", err)
	}
	return row.toJob()
}

// UpdateStatus sets the status and any optional fields, bumping updated_at.
func (s *Store) UpdateStatus(ctx context.Context, jobID, status string, opts ...domain.UpdateOption) error {
	fields := domain.ApplyUpdateOptions(opts)

	query := `UPDATE jobs SET status = $1, updated_at = $2`
	args := []any{status, time.Now().UTC()}
	argIdx := 3

	if fields.Result != nil {
		resultJSON, err := json.Marshal(fields.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		query += fmt.Sprintf(", result = $%d", argIdx)
		args = append(args, resultJSON)
		argIdx++
	}
	if fields.Error != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *fields.Error)
		argIdx++
	}
	if fields.Attempts != nil {
		query += fmt.Sprintf(", attempts = $%d", argIdx)
		args = append(args, *fields.Attempts)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE job_id = $%d", argIdx)
	args = append(args, jobID)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return domain.NewDependencyError("update job status", err)
	}

	s.logger.Debug("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)
	return nil
}

// jobRow is the scan target; JSONB columns come back as raw bytes and
// nullable columns as sql.Null types.
type jobRow struct {
	JobID          string         `db:"job_id"`
	Status         string         `db:"status"`
	JobType        string         `db:"job_type"`
	Priority       string         `db:"priority"`
	Params         []byte         `db:"params"`
	Metadata       []byte         `db:"metadata"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	TraceID        sql.NullString `db:"trace_id"`
	PayloadHash    sql.NullString `db:"payload_hash"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	Attempts       int            `db:"attempts"`
	Result         []byte         `db:"result"`
	ErrorMessage   sql.NullString `db:"error_message"`
	ExpiresAt      time.Time      `db:"expires_at"`
}

func (r *jobRow) toJob() (*domain.Job, error) {
	job := &domain.Job{
		JobID:          r.JobID,
		Status:         r.Status,
		JobType:        r.JobType,
		Priority:       r.Priority,
		IdempotencyKey: r.IdempotencyKey.String,
		TraceID:        r.TraceID.String,
		PayloadHash:    r.PayloadHash.String,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Attempts:       r.Attempts,
		Error:          r.ErrorMessage.String,
		ExpiresAt:      r.ExpiresAt,
	}

	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &job.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &job.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return job, nil
}

func insertArgs(job *domain.Job) ([]any, error) {
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	// empty metadata is stored as NULL, not as an empty object
	var metadataJSON any
	if len(job.Metadata) > 0 {
		b, err := json.Marshal(job.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metadataJSON = b
	}

	var resultJSON any
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = b
	}

	return []any{
		job.JobID,
		job.Status,
		job.JobType,
		job.Priority,
		paramsJSON,
		metadataJSON,
		nullIfEmpty(job.IdempotencyKey),
		nullIfEmpty(job.TraceID),
		nullIfEmpty(job.PayloadHash),
		job.CreatedAt,
		job.UpdatedAt,
		job.Attempts,
		resultJSON,
		nullIfEmpty(job.Error),
		job.ExpiresAt,
	}, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
