package reconnect

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// ErrStreamEnded is reported when the server ends a stream without an error.
var ErrStreamEnded = errors.New("push stream ended")

// Listener receives the traffic of one subscription.
type Listener interface {
	// Frame delivers one event payload.
	Frame(data []byte)

	// Heartbeat reports a keepalive without payload.
	Heartbeat()

	// Closed reports the end of the subscription. It is called at most once.
	Closed(err error)
}

// Stream is an open subscription.
type Stream interface {
	Close() error
}

// Transport opens subscriptions. Connect returns once the subscription is
// established; traffic is then delivered to the listener asynchronously.
type Transport interface {
	Connect(ctx context.Context, l Listener) (Stream, error)
}

// maxFrameSize bounds a single SSE line.
const maxFrameSize = 1 << 20

// SSETransport subscribes to a text/event-stream endpoint.
type SSETransport struct {
	URL    string
	Header http.Header
	Client *http.Client
}

// Connect issues the GET request and starts reading events.
func (t *SSETransport) Connect(ctx context.Context, l Listener) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, values := range t.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	s := &sseStream{cancel: cancel, body: resp.Body}
	go s.read(l)
	return s, nil
}

type sseStream struct {
	cancel context.CancelFunc
	body   io.ReadCloser
	once   sync.Once
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// read parses the event stream: "data:" lines accumulate into one event that
// is dispatched on a blank line, and ":" comment lines count as heartbeats.
func (s *sseStream) read(l Listener) {
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 4096), maxFrameSize)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if data.Len() > 0 {
				l.Frame(append([]byte(nil), data.Bytes()...))
				data.Reset()
			}
		case line[0] == ':':
			l.Heartbeat()
		case bytes.HasPrefix(line, []byte("data:")):
			value := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(value)
		}
	}

	err := scanner.Err()
	_ = s.Close()
	l.Closed(err)
}
