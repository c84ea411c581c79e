package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	params := map[string]any{"source": "s3://bucket/doc.pdf"}
	metadata := map[string]any{"team": "billing"}

	job := NewJob("process_document", PriorityHigh, params, metadata, "key-1", "trace-1")

	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, "process_document", job.JobType)
	assert.Equal(t, PriorityHigh, job.Priority)
	assert.Equal(t, params, job.Params)
	assert.Equal(t, metadata, job.Metadata)
	assert.Equal(t, "key-1", job.IdempotencyKey)
	assert.Equal(t, "trace-1", job.TraceID)
	assert.Equal(t, 0, job.Attempts)
	assert.NotEmpty(t, job.PayloadHash)

	assert.Equal(t, job.CreatedAt, job.UpdatedAt)
	assert.Equal(t, job.CreatedAt.Add(RetentionTTL), job.ExpiresAt)
	assert.Equal(t, time.UTC, job.CreatedAt.Location())
}

func TestNewJob_UniqueIDs(t *testing.T) {
	params := map[string]any{"x": 1}
	a := NewJob("transform_data", PriorityNormal, params, nil, "", "")
	b := NewJob("transform_data", PriorityNormal, params, nil, "", "")

	assert.NotEqual(t, a.JobID, b.JobID)
	// Same payload still hashes the same
	assert.Equal(t, a.PayloadHash, b.PayloadHash)
}

func TestPayloadHash(t *testing.T) {
	t.Run("deterministic across map ordering", func(t *testing.T) {
		h1 := PayloadHash("generate_report", PriorityLow, map[string]any{"a": 1, "b": "two", "c": true})
		h2 := PayloadHash("generate_report", PriorityLow, map[string]any{"c": true, "b": "two", "a": 1})
		assert.Equal(t, h1, h2)
	})

	t.Run("sensitive to type priority and params", func(t *testing.T) {
		base := PayloadHash("generate_report", PriorityLow, map[string]any{"a": 1})
		assert.NotEqual(t, base, PayloadHash("transform_data", PriorityLow, map[string]any{"a": 1}))
		assert.NotEqual(t, base, PayloadHash("generate_report", PriorityHigh, map[string]any{"a": 1}))
		assert.NotEqual(t, base, PayloadHash("generate_report", PriorityLow, map[string]any{"a": 2}))
	})

	t.Run("hex sha256 shape", func(t *testing.T) {
		h := PayloadHash("generate_report", PriorityLow, map[string]any{"a": 1})
		require.Len(t, h, 64)
	})
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(JobStatusSucceeded))
	assert.True(t, IsTerminal(JobStatusFailedFinal))
	assert.False(t, IsTerminal(JobStatusPending))
	assert.False(t, IsTerminal(JobStatusProcessing))
	assert.False(t, IsTerminal(JobStatusFailed))
}

func TestValidPriority(t *testing.T) {
	assert.True(t, ValidPriority(PriorityLow))
	assert.True(t, ValidPriority(PriorityNormal))
	assert.True(t, ValidPriority(PriorityHigh))
	assert.False(t, ValidPriority(""))
	assert.False(t, ValidPriority("urgent"))
	assert.False(t, ValidPriority("HIGH"))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from    string
		to      string
		allowed bool
	}{
		{JobStatusPending, JobStatusProcessing, true},
		{JobStatusPending, JobStatusPending, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusPending, JobStatusFailedFinal, true},
		{JobStatusPending, JobStatusSucceeded, false},

		{JobStatusProcessing, JobStatusSucceeded, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusFailedFinal, true},
		{JobStatusProcessing, JobStatusPending, false},
		{JobStatusProcessing, JobStatusProcessing, false},

		{JobStatusFailed, JobStatusFailedFinal, true},
		{JobStatusFailed, JobStatusPending, false},
		{JobStatusFailed, JobStatusProcessing, false},

		// Terminal states never move
		{JobStatusSucceeded, JobStatusFailed, false},
		{JobStatusSucceeded, JobStatusSucceeded, false},
		{JobStatusFailedFinal, JobStatusPending, false},
		{JobStatusFailedFinal, JobStatusFailedFinal, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"_to_"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}
