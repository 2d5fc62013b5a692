// Package client exposes the push-stream reconnect controller for programs
// consuming streamrelay events.
package client

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/agentease/streamrelay/internal/reconnect"
)

// Re-export types from internal/reconnect for external use
type (
	Controller = reconnect.Controller
	Config     = reconnect.Config
	State      = reconnect.State
	Option     = reconnect.Option
	Transport  = reconnect.Transport
	Listener   = reconnect.Listener
	Stream     = reconnect.Stream
	Clock      = reconnect.Clock
	Timer      = reconnect.Timer
)

const (
	StateDisconnected = reconnect.StateDisconnected
	StateConnecting   = reconnect.StateConnecting
	StateConnected    = reconnect.StateConnected
	StateReconnecting = reconnect.StateReconnecting
	StateGaveUp       = reconnect.StateGaveUp
	StateClosed       = reconnect.StateClosed
)

var (
	New           = reconnect.New
	DefaultConfig = reconnect.DefaultConfig
	WithClock     = reconnect.WithClock
	WithLogger    = reconnect.WithLogger
	OnFrame       = reconnect.OnFrame
	OnStateChange = reconnect.OnStateChange
)

// EventsPath is the server's SSE endpoint.
const EventsPath = "/api/events"

// NewEventStream creates a controller subscribed to the events endpoint of
// the server at baseURL on behalf of userID, sent in the given header.
func NewEventStream(baseURL, header, userID string, cfg Config, opts ...Option) (*Controller, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + EventsPath)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	if header != "" {
		h.Set(header, userID)
	}
	transport := &reconnect.SSETransport{URL: u.String(), Header: h}
	return reconnect.New(cfg, transport, opts...), nil
}
