package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentease/streamrelay/internal/model"
)

// ErrNotRecord is returned for output lines that are valid JSON but not an object.
var ErrNotRecord = errors.New("worker output line is not a JSON object")

// ParseRecord turns one worker output line into a Result. The record's
// "status" field picks the result status (default completed) and its
// "message" field, or "error" for failed records, becomes the result message.
// The whole record is kept as the payload.
func ParseRecord(sessionID string, line []byte, receivedAt time.Time) (model.Result, error) {
	line = bytes.TrimSpace(line)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return model.Result{}, ErrNotRecord
		}
		return model.Result{}, fmt.Errorf("invalid worker record: %w", err)
	}
	if fields == nil {
		return model.Result{}, ErrNotRecord
	}

	result := model.Result{
		SessionID:  sessionID,
		ReceivedAt: receivedAt,
		Status:     model.ResultStatusCompleted,
		Payload:    json.RawMessage(append([]byte(nil), line...)),
	}

	if status := stringField(fields, "status"); model.ResultStatus(status).Valid() {
		result.Status = model.ResultStatus(status)
	}

	result.Message = stringField(fields, "message")
	if result.Message == "" && result.Status == model.ResultStatusError {
		result.Message = stringField(fields, "error")
	}

	return result, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
