// Package reconnect keeps one push-stream subscription alive from the client
// side, reconnecting with exponential backoff and replacing subscriptions
// that have gone quiet.
package reconnect

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentease/streamrelay/internal/logger"
)

// State is the controller's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateGaveUp       State = "gave-up"
	StateClosed       State = "closed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateGaveUp || s == StateClosed
}

const (
	DefaultBaseInterval   = time.Second
	DefaultMaxInterval    = 30 * time.Second
	DefaultMaxAttempts    = 10
	DefaultHealthInterval = 30 * time.Second
	DefaultStaleAfter     = 60 * time.Second

	// BackoffFactor is the growth factor between consecutive retry delays.
	BackoffFactor = 1.5
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("controller already started")

// Config holds the reconnect policy.
type Config struct {
	BaseInterval   time.Duration
	MaxInterval    time.Duration
	MaxAttempts    int
	HealthInterval time.Duration
	StaleAfter     time.Duration
}

// DefaultConfig returns the default reconnect policy.
func DefaultConfig() Config {
	return Config{
		BaseInterval:   DefaultBaseInterval,
		MaxInterval:    DefaultMaxInterval,
		MaxAttempts:    DefaultMaxAttempts,
		HealthInterval: DefaultHealthInterval,
		StaleAfter:     DefaultStaleAfter,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// Backoff returns the delay before the retry that follows the given number of
// consecutive failures: BaseInterval × 1.5^(failures-1), capped at MaxInterval.
func (c Config) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := float64(c.BaseInterval) * math.Pow(BackoffFactor, float64(failures-1))
	if delay > float64(c.MaxInterval) {
		return c.MaxInterval
	}
	return time.Duration(delay)
}

// Controller is a finite state machine driving one subscription:
//
//	disconnected → connecting → connected → reconnecting → connecting → …
//
// with gave-up and closed as terminal states.
type Controller struct {
	cfg       Config
	transport Transport
	clock     Clock
	log       *logger.Logger

	onFrame func(data []byte)
	onState func(State)

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	state        State
	attempts     int
	lastActivity time.Time
	epoch        uint64
	stream       Stream
	closedEarly  error
	retry        Timer
	health       Timer
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// OnFrame sets the callback receiving every event payload.
func OnFrame(f func(data []byte)) Option {
	return func(c *Controller) { c.onFrame = f }
}

// OnStateChange sets the callback notified after every state transition.
func OnStateChange(f func(State)) Option {
	return func(c *Controller) { c.onState = f }
}

// New creates a controller in the disconnected state.
func New(cfg Config, transport Transport, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg.withDefaults(),
		transport: transport,
		clock:     RealClock(),
		log:       logger.Default(),
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed attempts.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastActivity returns when the subscription last showed signs of life.
func (c *Controller) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Start makes the first connection attempt and arms the liveness check.
// It returns once the first attempt has succeeded or been scheduled for retry.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.armHealthLocked()
	c.mu.Unlock()

	c.attempt()
	return nil
}

// Close closes the open subscription and cancels every pending timer.
// Callbacks from earlier subscriptions are ignored afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.stopTimersLocked()
	stream := c.stream
	c.stream = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.state = StateClosed
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	c.notify(StateClosed)
}

// attempt opens a new subscription.
func (c *Controller) attempt() {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.closedEarly = nil
	c.epoch++
	epoch := c.epoch
	c.state = StateConnecting
	ctx := c.ctx
	c.mu.Unlock()
	c.notify(StateConnecting)

	stream, err := c.transport.Connect(ctx, &listener{c: c, epoch: epoch})

	c.mu.Lock()
	if epoch != c.epoch || c.state.Terminal() {
		c.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err == nil && c.closedEarly != nil {
		// The stream ended before Connect returned.
		err = c.closedEarly
		c.closedEarly = nil
		c.epoch++
	}
	if err != nil {
		next := c.failLocked(err)
		c.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		c.notify(next)
		return
	}
	c.stream = stream
	c.attempts = 0
	c.lastActivity = c.clock.Now()
	c.state = StateConnected
	c.mu.Unlock()

	c.log.Info("Push stream connected")
	c.notify(StateConnected)
}

// failLocked records a failure and either schedules the next attempt or gives up.
func (c *Controller) failLocked(err error) State {
	c.attempts++
	if c.attempts >= c.cfg.MaxAttempts {
		c.stopTimersLocked()
		c.state = StateGaveUp
		c.log.Warn("Giving up on push stream", zap.Int("attempts", c.attempts), zap.Error(err))
		return c.state
	}

	delay := c.cfg.Backoff(c.attempts)
	c.state = StateReconnecting
	c.retry = c.clock.AfterFunc(delay, c.attempt)
	c.log.Info("Push stream unavailable, retrying",
		zap.Int("attempt", c.attempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	return c.state
}

func (c *Controller) armHealthLocked() {
	c.health = c.clock.AfterFunc(c.cfg.HealthInterval, c.checkHealth)
}

// checkHealth replaces a connected subscription that has been quiet for too
// long, skipping the backoff delay.
func (c *Controller) checkHealth() {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.armHealthLocked()

	if c.state != StateConnected || c.clock.Now().Sub(c.lastActivity) <= c.cfg.StaleAfter {
		c.mu.Unlock()
		return
	}

	quiet := c.clock.Now().Sub(c.lastActivity)
	c.epoch++
	stream := c.stream
	c.stream = nil
	c.state = StateReconnecting
	c.mu.Unlock()

	c.log.Warn("Push stream is stale, reconnecting", zap.Duration("quiet_for", quiet))
	if stream != nil {
		_ = stream.Close()
	}
	c.notify(StateReconnecting)
	c.attempt()
}

func (c *Controller) stopTimersLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.health != nil {
		c.health.Stop()
		c.health = nil
	}
}

func (c *Controller) notify(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}

// listener routes transport callbacks of one subscription to the controller,
// dropping them once the subscription has been replaced.
type listener struct {
	c     *Controller
	epoch uint64
}

func (l *listener) Frame(data []byte) {
	if !l.touch() {
		return
	}
	if l.c.onFrame != nil {
		l.c.onFrame(data)
	}
}

func (l *listener) Heartbeat() {
	l.touch()
}

func (l *listener) Closed(err error) {
	c := l.c
	c.mu.Lock()
	if l.epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	if err == nil {
		err = ErrStreamEnded
	}
	if c.state == StateConnecting {
		// attempt fails the subscription once Connect returns.
		c.closedEarly = err
		c.mu.Unlock()
		return
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.stream = nil
	next := c.failLocked(err)
	c.mu.Unlock()
	c.notify(next)
}

func (l *listener) touch() bool {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if l.epoch != c.epoch || c.state.Terminal() {
		return false
	}
	c.lastActivity = c.clock.Now()
	return true
}
