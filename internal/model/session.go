package model

import (
	"strings"
	"time"
)

// SessionState is the lifecycle state of a tracked stream session.
type SessionState string

const (
	SessionStateCreated       SessionState = "created"
	SessionStateWorkerRunning SessionState = "worker-running"
	SessionStateWorkerIdle    SessionState = "worker-idle"
	SessionStateTornDown      SessionState = "torn-down"
)

// Session is a point-in-time snapshot of a stream-processing session.
type Session struct {
	ID               string       `json:"id"`
	UserID           string       `json:"userId"`
	StreamRef        string       `json:"streamReference"`
	State            SessionState `json:"state"`
	WorkerPID        *int         `json:"workerPid,omitempty"`
	WorkerGeneration uint64       `json:"workerGeneration"`
	StartedAt        time.Time    `json:"startedAt"`
}

// Duration returns how long the session has been alive.
func (s *Session) Duration() time.Duration {
	return time.Since(s.StartedAt)
}

// StartSessionRequest represents a request to begin processing a stream.
type StartSessionRequest struct {
	SessionID string `json:"sessionId"`
	StreamRef string `json:"streamReference"`
	UserID    string `json:"-"`
}

// Validate validates the start session request.
func (r *StartSessionRequest) Validate() error {
	if strings.TrimSpace(r.StreamRef) == "" {
		return ErrStreamRequired
	}
	return nil
}
