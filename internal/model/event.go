package model

import "time"

// EventType identifies a message pushed to subscribed clients.
type EventType string

const (
	EventTypeConnected        EventType = "connected"
	EventTypeSessionStarted   EventType = "session_started"
	EventTypeProcessingResult EventType = "processing_result"
	EventTypeProcessingError  EventType = "processing_error"
	EventTypeSessionEnded     EventType = "session_ended"
)

// Event is the JSON document written to push connections.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	StreamRef string    `json:"streamReference,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event of the given type for a session, stamped now.
func NewEvent(eventType EventType, sessionID string) *Event {
	return &Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}
