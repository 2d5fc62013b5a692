package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentease/streamrelay/internal/model"
)

func TestParseRecord(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name    string
		line    string
		status  model.ResultStatus
		message string
	}{
		{"status and message", `{"status":"processing","message":"frame 12"}`, model.ResultStatusProcessing, "frame 12"},
		{"missing status defaults to completed", `{"detections":3}`, model.ResultStatusCompleted, ""},
		{"unknown status defaults to completed", `{"status":"weird"}`, model.ResultStatusCompleted, ""},
		{"error message from error field", `{"status":"error","error":"decoder failed"}`, model.ResultStatusError, "decoder failed"},
		{"message wins over error field", `{"status":"error","message":"m","error":"e"}`, model.ResultStatusError, "m"},
		{"surrounding whitespace", "  {\"status\":\"completed\"}  ", model.ResultStatusCompleted, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRecord("s1", []byte(tt.line), now)
			require.NoError(t, err)

			assert.Equal(t, "s1", r.SessionID)
			assert.Equal(t, now, r.ReceivedAt)
			assert.Equal(t, tt.status, r.Status)
			assert.Equal(t, tt.message, r.Message)
			assert.JSONEq(t, tt.line, string(r.Payload))
		})
	}
}

func TestParseRecord_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		notRecord bool
	}{
		{"not json", "Loading model...", false},
		{"truncated object", `{"status":`, false},
		{"array", `[1,2,3]`, true},
		{"string", `"hello"`, true},
		{"null", `null`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecord("s1", []byte(tt.line), time.Now())
			require.Error(t, err)
			if tt.notRecord {
				assert.ErrorIs(t, err, ErrNotRecord)
			}
		})
	}
}

func TestParseRecord_PayloadIsCopied(t *testing.T) {
	line := []byte(`{"status":"completed"}`)
	r, err := ParseRecord("s1", line, time.Now())
	require.NoError(t, err)

	line[2] = 'X'
	assert.JSONEq(t, `{"status":"completed"}`, string(r.Payload))
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"python3 main.py --stream {stream}", []string{"python3", "main.py", "--stream", "{stream}"}},
		{`worker --name "two words"`, []string{"worker", "--name", "two words"}},
		{"worker --quote 'it\"s'", []string{"worker", "--quote", `it"s`}},
		{"  spaced\t out  ", []string{"spaced", "out"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, splitCommand(tt.input))
		})
	}
}
