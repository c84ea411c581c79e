package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job status constants
const (
	JobStatusPending     = "PENDING"
	JobStatusProcessing  = "PROCESSING"
	JobStatusSucceeded   = "SUCCEEDED"
	JobStatusFailed      = "FAILED"
	JobStatusFailedFinal = "FAILED_FINAL"
)

// Job priority constants
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// RetentionTTL is how long a job record is kept before the storage layer is
// allowed to garbage-collect it.
const RetentionTTL = 24 * time.Hour

// Job is the unit of work and its record of progress. The ID is assigned once
// at creation and never changes; Status only moves along the edges checked by
// CanTransition.
type Job struct {
	JobID          string         `json:"jobId" db:"job_id"`
	Status         string         `json:"status" db:"status"`
	JobType        string         `json:"jobType" db:"job_type"`
	Priority       string         `json:"priority" db:"priority"`
	Params         map[string]any `json:"params" db:"-"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"-"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	TraceID        string         `json:"traceId,omitempty" db:"trace_id"`
	PayloadHash    string         `json:"payloadHash,omitempty" db:"payload_hash"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
	Attempts       int            `json:"attempts" db:"attempts"`
	Result         map[string]any `json:"result,omitempty" db:"-"`
	Error          string         `json:"error,omitempty" db:"error_message"`
	ExpiresAt      time.Time      `json:"expiresAt" db:"expires_at"`
}

// NewJob creates a PENDING job with a fresh id, a payload hash over the
// canonical (key-sorted) encoding of (type, priority, params), and a
// 24-hour retention horizon. Timestamps are UTC.
func NewJob(jobType, priority string, params, metadata map[string]any, idempotencyKey, traceID string) *Job {
	now := time.Now().UTC()
	return &Job{
		JobID:          uuid.New().String(),
		Status:         JobStatusPending,
		JobType:        jobType,
		Priority:       priority,
		Params:         params,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
		TraceID:        traceID,
		PayloadHash:    PayloadHash(jobType, priority, params),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(RetentionTTL),
	}
}

// PayloadHash returns the hex sha256 digest of the canonical JSON encoding of
// the job payload. encoding/json writes map keys in sorted order, which makes
// the encoding canonical without further normalization.
func PayloadHash(jobType, priority string, params map[string]any) string {
	payload, err := json.Marshal(map[string]any{
		"params":   params,
		"priority": priority,
		"type":     jobType,
	})
	if err != nil {
		// maps of JSON-decodable values cannot fail to marshal
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// IsTerminal reports whether the status may never be overwritten.
func IsTerminal(status string) bool {
	return status == JobStatusSucceeded || status == JobStatusFailedFinal
}

// ValidPriority reports whether p is one of low, normal, high.
func ValidPriority(p string) bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// CanTransition reports whether a status change follows the job state
// machine. Self-transitions are allowed only for PENDING (the administrative
// retry path, which re-publishes without changing stored state).
func CanTransition(from, to string) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusPending || to == JobStatusFailed || to == JobStatusFailedFinal
	case JobStatusProcessing:
		return to == JobStatusSucceeded || to == JobStatusFailed || to == JobStatusFailedFinal
	case JobStatusFailed:
		return to == JobStatusFailedFinal
	default:
		return false
	}
}
