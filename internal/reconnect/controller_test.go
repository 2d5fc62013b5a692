package reconnect

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentease/streamrelay/internal/logger"
)

// fakeClock runs timers when the test advances time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeTransport fails while failures remain, then succeeds.
type fakeTransport struct {
	mu        sync.Mutex
	failures  int
	calls     int
	streams   []*fakeStream
	listeners []Listener
}

func (t *fakeTransport) Connect(_ context.Context, l Listener) (Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.failures > 0 {
		t.failures--
		return nil, errors.New("connection refused")
	}
	s := &fakeStream{}
	t.streams = append(t.streams, s)
	t.listeners = append(t.listeners, l)
	return s, nil
}

func (t *fakeTransport) setFailures(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = n
}

func (t *fakeTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *fakeTransport) lastListener() Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners[len(t.listeners)-1]
}

func (t *fakeTransport) lastStream() *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[len(t.streams)-1]
}

func newTestController(t *testing.T, cfg Config, transport Transport, opts ...Option) (*Controller, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock), WithLogger(logger.NewNop())}, opts...)
	c := New(cfg, transport, opts...)
	t.Cleanup(c.Close)
	return c, clock
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{BaseInterval: time.Second, MaxInterval: 30 * time.Second}

	tests := []struct {
		failures int
		expected time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 1500 * time.Millisecond},
		{3, 2250 * time.Millisecond},
		{4, 3375 * time.Millisecond},
		{20, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, cfg.Backoff(tt.failures), "failures=%d", tt.failures)
	}
}

func TestController_ConnectsAndResetsAttempts(t *testing.T) {
	transport := &fakeTransport{failures: 2}
	c, clock := newTestController(t, Config{}, transport)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateReconnecting, c.State())
	assert.Equal(t, 1, c.Attempts())

	clock.Advance(time.Second)
	assert.Equal(t, StateReconnecting, c.State())
	assert.Equal(t, 2, c.Attempts())

	// Second retry waits 1.5 s.
	clock.Advance(1400 * time.Millisecond)
	assert.Equal(t, 2, transport.callCount())
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 3, transport.callCount())

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.Attempts())
	assert.Equal(t, clock.Now(), c.LastActivity())
}

func TestController_GivesUpAfterMaxAttempts(t *testing.T) {
	transport := &fakeTransport{failures: 100}
	c, clock := newTestController(t, Config{MaxAttempts: 4, BaseInterval: time.Second}, transport)

	require.NoError(t, c.Start(context.Background()))
	clock.Advance(time.Hour)

	assert.Equal(t, StateGaveUp, c.State())
	assert.Equal(t, 4, transport.callCount())
	assert.Equal(t, 0, clock.Pending(), "nothing is scheduled after giving up")

	clock.Advance(time.Hour)
	assert.Equal(t, 4, transport.callCount())
}

func TestController_StreamEndTriggersBackoff(t *testing.T) {
	transport := &fakeTransport{}
	c, clock := newTestController(t, Config{}, transport)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StateConnected, c.State())

	transport.setFailures(1)
	transport.lastListener().Closed(nil)
	assert.Equal(t, StateReconnecting, c.State())
	assert.Equal(t, 1, c.Attempts())

	clock.Advance(time.Second)
	assert.Equal(t, StateReconnecting, c.State())
	assert.Equal(t, 2, c.Attempts())

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.Attempts())
}

func TestController_FramesUpdateActivity(t *testing.T) {
	transport := &fakeTransport{}
	var frames []string
	c, clock := newTestController(t, Config{}, transport, OnFrame(func(data []byte) {
		frames = append(frames, string(data))
	}))
	require.NoError(t, c.Start(context.Background()))

	clock.Advance(10 * time.Second)
	transport.lastListener().Frame([]byte(`{"type":"connected"}`))
	assert.Equal(t, clock.Now(), c.LastActivity())

	clock.Advance(10 * time.Second)
	transport.lastListener().Heartbeat()
	assert.Equal(t, clock.Now(), c.LastActivity())

	assert.Equal(t, []string{`{"type":"connected"}`}, frames)
}

func TestController_StaleConnectionReconnectsImmediately(t *testing.T) {
	transport := &fakeTransport{}
	c, clock := newTestController(t, Config{HealthInterval: 30 * time.Second, StaleAfter: 60 * time.Second}, transport)
	require.NoError(t, c.Start(context.Background()))
	first := transport.lastStream()
	firstListener := transport.lastListener()

	// 60 s of silence is not yet stale.
	clock.Advance(60 * time.Second)
	assert.Equal(t, 1, transport.callCount())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 2, transport.callCount(), "stale stream is replaced without backoff")
	assert.True(t, first.isClosed())
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.Attempts())

	// Late callbacks from the discarded stream are ignored.
	before := c.LastActivity()
	clock.Advance(time.Second)
	firstListener.Frame([]byte(`{}`))
	firstListener.Closed(errors.New("reset"))
	assert.Equal(t, before, c.LastActivity())
	assert.Equal(t, StateConnected, c.State())
}

func TestController_ActiveStreamIsNotStale(t *testing.T) {
	transport := &fakeTransport{}
	c, clock := newTestController(t, Config{}, transport)
	require.NoError(t, c.Start(context.Background()))

	for i := 0; i < 10; i++ {
		clock.Advance(25 * time.Second)
		transport.lastListener().Heartbeat()
	}
	assert.Equal(t, 1, transport.callCount())
	assert.Equal(t, StateConnected, c.State())
}

func TestController_CloseStopsEverything(t *testing.T) {
	transport := &fakeTransport{failures: 1}
	var states []State
	c, clock := newTestController(t, Config{}, transport, OnStateChange(func(s State) {
		states = append(states, s)
	}))
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateReconnecting, c.State())

	c.Close()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, transport.callCount())
	assert.Equal(t, []State{StateConnecting, StateReconnecting, StateClosed}, states)

	// Closing twice is harmless.
	c.Close()
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestController_CloseClosesOpenStream(t *testing.T) {
	transport := &fakeTransport{}
	c, clock := newTestController(t, Config{}, transport)
	require.NoError(t, c.Start(context.Background()))

	c.Close()
	assert.True(t, transport.lastStream().isClosed())
	assert.Equal(t, 0, clock.Pending())

	transport.lastListener().Closed(nil)
	assert.Equal(t, StateClosed, c.State())
}

// earlyCloseTransport hands out streams that end before Connect returns.
type earlyCloseTransport struct {
	mu      sync.Mutex
	calls   int
	streams []*fakeStream
}

func (t *earlyCloseTransport) Connect(_ context.Context, l Listener) (Stream, error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Closed(nil)
	}()
	<-done

	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	s := &fakeStream{}
	t.streams = append(t.streams, s)
	return s, nil
}

func (t *earlyCloseTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func TestController_StreamEndingDuringConnectIsAFailure(t *testing.T) {
	transport := &earlyCloseTransport{}
	c, clock := newTestController(t, Config{MaxAttempts: 3}, transport)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateReconnecting, c.State())
	assert.Equal(t, 1, c.Attempts())
	assert.True(t, transport.streams[0].isClosed())

	clock.Advance(time.Second)
	assert.Equal(t, 2, transport.callCount())
	assert.Equal(t, 2, c.Attempts())

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateGaveUp, c.State())
	assert.Equal(t, 3, transport.callCount())
	assert.Equal(t, 0, clock.Pending())
}

// TestBackoffProperty verifies the retry schedule grows by 1.5 each step and
// never exceeds the cap.
func TestBackoffProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	cfg := Config{BaseInterval: 100 * time.Millisecond, MaxInterval: 30 * time.Second}

	properties.Property("delays are monotonic and capped", prop.ForAll(
		func(failures int) bool {
			d, next := cfg.Backoff(failures), cfg.Backoff(failures+1)
			if d > cfg.MaxInterval || next < d {
				return false
			}
			if next < cfg.MaxInterval {
				ratio := float64(next) / float64(d)
				return ratio > 1.49 && ratio < 1.51
			}
			return true
		},
		gen.IntRange(1, 40),
	))

	properties.Property("gives up after exactly MaxAttempts failures", prop.ForAll(
		func(max int) bool {
			transport := &fakeTransport{failures: 1000}
			clock := newFakeClock()
			c := New(Config{MaxAttempts: max}, transport, WithClock(clock), WithLogger(logger.NewNop()))
			defer c.Close()
			if err := c.Start(context.Background()); err != nil {
				return false
			}
			clock.Advance(24 * time.Hour)
			return c.State() == StateGaveUp && transport.callCount() == max
		},
		gen.IntRange(1, 15),
	))

	properties.TestingRun(t)
}
