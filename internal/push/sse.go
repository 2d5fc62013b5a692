package push

import (
	"errors"
	"net/http"
	"sync"

	"github.com/agentease/streamrelay/internal/model"
)

var (
	sseDataPrefix = []byte("data: ")
	sseFrameEnd   = []byte("\n\n")
	ssePing       = []byte(": ping\n\n")
)

// SSESink writes frames as Server-Sent Events. Each frame becomes one
// "data:" event.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

// NewSSESink wraps a response writer that supports flushing.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("SSE not supported: ResponseWriter does not implement http.Flusher")
	}
	return &SSESink{w: w, flusher: flusher}, nil
}

var sseHeaders = [][2]string{
	{"Content-Type", "text/event-stream"},
	{"Cache-Control", "no-cache"},
	{"Connection", "keep-alive"},
	{"X-Accel-Buffering", "no"},
}

// SetHeaders sets the event stream response headers. They are sent with the
// first frame.
func SetHeaders(w http.ResponseWriter) {
	for _, kv := range sseHeaders {
		w.Header().Set(kv[0], kv[1])
	}
}

// ClearHeaders removes the headers set by SetHeaders so an error response
// can be written instead.
func ClearHeaders(w http.ResponseWriter) {
	for _, kv := range sseHeaders {
		w.Header().Del(kv[0])
	}
}

// EncodeFrame returns the SSE encoding of one frame.
func EncodeFrame(frame []byte) []byte {
	out := make([]byte, 0, len(sseDataPrefix)+len(frame)+len(sseFrameEnd))
	out = append(out, sseDataPrefix...)
	out = append(out, frame...)
	return append(out, sseFrameEnd...)
}

func (s *SSESink) WriteFrame(frame []byte) error {
	return s.write(EncodeFrame(frame))
}

// Ping writes a comment line that clients ignore.
func (s *SSESink) Ping() error {
	return s.write(ssePing)
}

func (s *SSESink) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrConnectionClosed
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close marks the sink closed. The response itself ends when the HTTP
// handler returns.
func (s *SSESink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
