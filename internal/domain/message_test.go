package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobMessage_Encode(t *testing.T) {
	msg := &JobMessage{JobID: "job-1", PayloadHash: "abc", TraceID: "trace-1"}

	body, err := msg.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jobId":"job-1","payloadHash":"abc","traceId":"trace-1"}`, string(body))
}

func TestJobMessage_ErrorFieldOmittedWhenEmpty(t *testing.T) {
	body, err := (&JobMessage{JobID: "job-1"}).Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(body), "error")
}

func TestDecodeJobMessage(t *testing.T) {
	msg, err := DecodeJobMessage([]byte(`{"jobId":"job-1","error":"upstream 503"}`))
	require.NoError(t, err)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, "upstream 503", msg.Error)
}

func TestDecodeJobMessage_Malformed(t *testing.T) {
	_, err := DecodeJobMessage([]byte("not json"))
	assert.Error(t, err)
}
