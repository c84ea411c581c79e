package domain

import "encoding/json"

// JobMessage is the stable queue wire body. The error field is only present
// on dead-lettered messages that carry the last failure text.
type JobMessage struct {
	JobID       string `json:"jobId"`
	PayloadHash string `json:"payloadHash,omitempty"`
	TraceID     string `json:"traceId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Encode serializes the message body.
func (m *JobMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeJobMessage parses a queue message body.
func DecodeJobMessage(body []byte) (*JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
