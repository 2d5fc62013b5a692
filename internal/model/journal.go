package model

import "time"

// JournalStatus is the recorded outcome of a session.
type JournalStatus string

const (
	JournalStatusActive      JournalStatus = "active"
	JournalStatusEnded       JournalStatus = "ended"
	JournalStatusInterrupted JournalStatus = "interrupted"
)

// SessionRecord is the journaled history of one session. Results are never
// part of it.
type SessionRecord struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	StreamRef    string        `json:"streamReference"`
	Status       JournalStatus `json:"status"`
	EndReason    string        `json:"endReason,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	WorkerExits  int           `json:"workerExits"`
	LastExitCode *int          `json:"lastExitCode,omitempty"`
}
