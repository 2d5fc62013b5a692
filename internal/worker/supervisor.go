package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentease/streamrelay/internal/logger"
	"github.com/agentease/streamrelay/internal/metrics"
	"github.com/agentease/streamrelay/internal/model"
)

const (
	// DefaultTimeout is the absolute lifetime of a worker.
	DefaultTimeout = 300 * time.Second

	// DefaultKillGrace is how long a terminated worker may take to exit.
	DefaultKillGrace = 5 * time.Second

	// DefaultMaxLineBytes bounds a single buffered output line.
	DefaultMaxLineBytes = 1 << 20

	// DefaultReadBufferSize is the buffer size for reading worker output.
	DefaultReadBufferSize = 4096

	// PlaceholderStream and PlaceholderSession are substituted in the command template.
	PlaceholderStream  = "{stream}"
	PlaceholderSession = "{session}"
)

// SessionStore is the view of the session registry the supervisor needs.
type SessionStore interface {
	// Lookup returns the owner and stream reference of a live session.
	Lookup(sessionID string) (userID, streamRef string, ok bool)

	// AttachWorker records h as the session's worker and returns the generation
	// assigned to it together with the handle it superseded, if any.
	AttachWorker(sessionID string, h *Handle) (generation uint64, previous *Handle, err error)

	// ClearWorker clears the session's worker only if generation is still current.
	ClearWorker(sessionID string, generation uint64) bool
}

// Events receives everything a worker produces.
type Events interface {
	OnResult(h *Handle, result model.Result)
	OnDiagnostic(h *Handle, text string)
	OnSpawnFailure(sessionID, userID string, err error)
	OnExit(h *Handle, exitCode int, err error)
}

// Config holds configuration for the supervisor.
type Config struct {
	// Command is the command line template, see PlaceholderStream.
	Command      string
	Dir          string
	Env          map[string]string
	Timeout      time.Duration
	KillGrace    time.Duration
	MaxLineBytes int
}

// Supervisor owns the worker processes of all sessions.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	store    SessionStore
	events   Events
	log      *logger.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	handles map[*Handle]struct{}
	wg      sync.WaitGroup
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

// NewSupervisor creates a new supervisor.
func NewSupervisor(cfg Config, store SessionStore, events Events, log *logger.Logger, m *metrics.Metrics, opts ...Option) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KillGrace < 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}

	s := &Supervisor{
		cfg:      cfg,
		launcher: ExecLauncher{},
		store:    store,
		events:   events,
		log:      log,
		metrics:  m,
		handles:  make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches a worker for a registered session and returns at once; the
// worker's output is handled on background goroutines. An unknown session is
// a no-op reported as model.ErrSessionNotFound. A worker already running for
// the session is superseded and killed.
func (s *Supervisor) Start(sessionID string) (*Handle, error) {
	userID, streamRef, ok := s.store.Lookup(sessionID)
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	log := s.log.WithSessionID(sessionID).WithUserID(userID)

	opts, err := s.launchOptions(sessionID, streamRef)
	if err != nil {
		s.spawnFailed(log, sessionID, userID, err)
		return nil, err
	}

	proc, err := s.launcher.Launch(opts)
	if err != nil {
		err = fmt.Errorf("failed to start worker: %w", err)
		s.spawnFailed(log, sessionID, userID, err)
		return nil, err
	}

	h := NewHandle(sessionID, userID, streamRef, proc, s.cfg.KillGrace)
	generation, previous, err := s.store.AttachWorker(sessionID, h)
	if err != nil {
		// The session went away between lookup and attach.
		_ = proc.Kill()
		go func() { _, _ = proc.Wait() }()
		return nil, err
	}
	h.generation.Store(generation)

	if previous != nil && previous.Running() {
		log.Info("Superseding running worker", zap.Uint64("previous_generation", previous.Generation()))
		if err := previous.Kill(); err != nil {
			log.Warn("Failed to kill superseded worker", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	s.metrics.WorkerSpawns.Inc()
	log.Info("Worker started",
		zap.Int("pid", proc.PID()),
		zap.Uint64("generation", generation),
		zap.Duration("timeout", s.cfg.Timeout),
	)

	h.timer = time.AfterFunc(s.cfg.Timeout, func() { s.expire(h) })

	s.wg.Add(1)
	go s.run(h)

	return h, nil
}

// launchOptions expands the command template for one session.
func (s *Supervisor) launchOptions(sessionID, streamRef string) (LaunchOptions, error) {
	parts := splitCommand(s.cfg.Command)
	if len(parts) == 0 {
		return LaunchOptions{}, errors.New("worker command is empty")
	}

	replacer := strings.NewReplacer(PlaceholderStream, streamRef, PlaceholderSession, sessionID)
	for i := range parts {
		parts[i] = replacer.Replace(parts[i])
	}

	env := os.Environ()
	for k, v := range s.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		"STREAMRELAY_STREAM="+streamRef,
		"STREAMRELAY_SESSION_ID="+sessionID,
	)

	return LaunchOptions{
		Command: parts[0],
		Args:    parts[1:],
		Env:     env,
		Dir:     s.cfg.Dir,
	}, nil
}

func (s *Supervisor) spawnFailed(log *logger.Logger, sessionID, userID string, err error) {
	s.metrics.WorkerSpawnFailures.Inc()
	log.Error("Failed to start worker", zap.Error(err))
	s.events.OnSpawnFailure(sessionID, userID, err)
}

// run drains the worker's output and handles its exit.
func (s *Supervisor) run(h *Handle) {
	defer s.wg.Done()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStdout(h)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(h)
	}()
	readers.Wait()

	exitCode, err := h.proc.Wait()
	h.finish(exitCode)

	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()

	cleared := s.store.ClearWorker(h.SessionID, h.Generation())

	outcome := "exited"
	switch {
	case h.TimedOut():
		outcome = "timeout"
	case h.State() == StateKilled:
		outcome = "killed"
	case err != nil || exitCode != 0:
		outcome = "failed"
	}
	s.metrics.WorkerExits.WithLabelValues(outcome).Inc()

	s.log.WithSessionID(h.SessionID).Info("Worker exited",
		zap.Int("exit_code", exitCode),
		zap.String("outcome", outcome),
		zap.Uint64("generation", h.Generation()),
		zap.Bool("handle_cleared", cleared),
	)

	s.events.OnExit(h, exitCode, err)
}

// readStdout reassembles records from the primary output channel.
func (s *Supervisor) readStdout(h *Handle) {
	log := s.log.WithSessionID(h.SessionID)
	assembler := NewLineAssembler(s.cfg.MaxLineBytes)
	emit := func(line []byte) {
		s.handleLine(log, h, line)
	}

	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := h.proc.Stdout().Read(buf)
		if n > 0 {
			dropped := assembler.Dropped
			assembler.Feed(buf[:n], emit)
			if assembler.Dropped > dropped {
				s.metrics.ParseErrors.Add(float64(assembler.Dropped - dropped))
				log.Warn("Discarded oversize worker output line", zap.Int("max_line_bytes", s.cfg.MaxLineBytes))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug("Worker stdout read ended", zap.Error(err))
			}
			break
		}
	}
	assembler.Flush(emit)
}

func (s *Supervisor) handleLine(log *logger.Logger, h *Handle, line []byte) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return
	}

	result, err := ParseRecord(h.SessionID, line, time.Now().UTC())
	if err != nil {
		s.metrics.ParseErrors.Inc()
		log.Warn("Skipping unparseable worker output line",
			zap.Error(err),
			zap.String("line", truncate(string(line), 200)),
		)
		return
	}

	s.metrics.ResultsReceived.Inc()
	s.events.OnResult(h, result)
}

// readStderr forwards each diagnostic chunk as-is.
func (s *Supervisor) readStderr(h *Handle) {
	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := h.proc.Stderr().Read(buf)
		if n > 0 {
			if text := CleanDiagnostic(buf[:n]); text != "" {
				s.metrics.Diagnostics.Inc()
				s.events.OnDiagnostic(h, text)
			}
		}
		if err != nil {
			return
		}
	}
}

// expire enforces the absolute lifetime of a worker.
func (s *Supervisor) expire(h *Handle) {
	if !h.Running() {
		return
	}
	h.timedOut.Store(true)
	s.metrics.WorkerTimeouts.Inc()
	s.log.WithSessionID(h.SessionID).Info("Worker lifetime elapsed, terminating",
		zap.Duration("timeout", s.cfg.Timeout),
		zap.Uint64("generation", h.Generation()),
	)
	if err := h.Kill(); err != nil {
		s.log.WithSessionID(h.SessionID).Warn("Failed to terminate expired worker", zap.Error(err))
	}
}

// Stop kills every live worker of a session, including superseded ones still
// shutting down, and waits for them to exit or ctx to be done.
func (s *Supervisor) Stop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	var handles []*Handle
	for h := range s.handles {
		if h.SessionID == sessionID {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop worker for session %s: %w", sessionID, err)
		}
	}
	return nil
}

// Running returns the number of live workers.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Close kills every live worker and waits for their exit handling to finish
// or ctx to be done.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.Kill(); err != nil {
			s.log.WithSessionID(h.SessionID).Warn("Failed to kill worker on shutdown", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, h := range handles {
			_ = h.proc.Kill()
		}
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
