// Package push fans session events out to the live client connections of
// their owner over SSE or WebSocket.
package push

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentease/streamrelay/internal/model"
)

// DefaultQueueSize is the number of frames a connection buffers before
// further frames are rejected.
const DefaultQueueSize = 64

// Sink is the transport end of a push connection.
type Sink interface {
	// WriteFrame delivers one serialized event.
	WriteFrame(frame []byte) error

	// Close releases the transport. It is called once, after the last frame.
	Close() error
}

// Pinger is implemented by sinks that can send a keepalive between frames.
type Pinger interface {
	Ping() error
}

// Connection is one live push subscription. Frames are queued and written by
// a dedicated goroutine, so a slow transport only ever delays itself.
type Connection struct {
	ID          string
	OwnerID     string
	ConnectedAt time.Time

	sink      Sink
	heartbeat time.Duration

	mu     sync.Mutex
	send   chan []byte
	closed bool
	err    error

	done chan struct{}
}

func newConnection(ownerID string, sink Sink, queueSize int, heartbeat time.Duration) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Connection{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		ConnectedAt: time.Now(),
		sink:        sink,
		heartbeat:   heartbeat,
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
	}
}

// Send queues a frame without blocking.
func (c *Connection) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return model.ErrConnectionClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return model.ErrQueueFull
	}
}

// Close stops accepting frames. Frames already queued are still written
// before the sink is closed.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(nil)
}

func (c *Connection) closeLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.send)
}

// IsClosed returns true if the connection no longer accepts frames.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed once the writer has stopped and the sink is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport error that stopped the connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// writeLoop pumps queued frames to the sink.
func (c *Connection) writeLoop() {
	defer func() {
		_ = c.sink.Close()
		close(c.done)
	}()

	var tick <-chan time.Time
	pinger, canPing := c.sink.(Pinger)
	if canPing && c.heartbeat > 0 {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.sink.WriteFrame(frame); err != nil {
				c.fail(err)
				return
			}
		case <-tick:
			if err := pinger.Ping(); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if c.err == nil {
			c.err = err
		}
		return
	}
	c.closeLocked(err)
}
