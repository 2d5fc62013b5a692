package model

import (
	"encoding/json"
	"time"
)

// ResultStatus is the processing status reported by a worker record.
type ResultStatus string

const (
	ResultStatusProcessing ResultStatus = "processing"
	ResultStatusCompleted  ResultStatus = "completed"
	ResultStatusError      ResultStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s ResultStatus) Valid() bool {
	switch s {
	case ResultStatusProcessing, ResultStatusCompleted, ResultStatusError:
		return true
	}
	return false
}

// Result is one structured record produced by a worker. Results are never
// mutated after creation.
type Result struct {
	SessionID  string          `json:"sessionId"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Status     ResultStatus    `json:"status"`
	Message    string          `json:"message,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}
