package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a worker handle.
type State int32

const (
	StateRunning State = iota
	StateExited
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	}
	return "unknown"
}

// Handle tracks one launched worker process of a session. The generation is
// assigned by the session store and increases with every launch for the
// same session.
type Handle struct {
	SessionID string
	UserID    string
	StreamRef string
	StartedAt time.Time

	proc      Process
	killGrace time.Duration

	generation    atomic.Uint64
	state         atomic.Int32
	killRequested atomic.Bool
	timedOut      atomic.Bool

	timer    *time.Timer
	exitCode int
	done     chan struct{}
	doneOnce sync.Once
}

// NewHandle wraps a launched process. The supervisor normally creates handles;
// the generation is assigned when the handle is attached to its session.
func NewHandle(sessionID, userID, streamRef string, proc Process, killGrace time.Duration) *Handle {
	return &Handle{
		SessionID: sessionID,
		UserID:    userID,
		StreamRef: streamRef,
		StartedAt: time.Now(),
		proc:      proc,
		killGrace: killGrace,
		done:      make(chan struct{}),
	}
}

// Generation returns the launch generation of this handle.
func (h *Handle) Generation() uint64 {
	return h.generation.Load()
}

// PID returns the OS process ID of the worker.
func (h *Handle) PID() int {
	return h.proc.PID()
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Running reports whether the worker has not exited yet.
func (h *Handle) Running() bool {
	return h.State() == StateRunning
}

// TimedOut reports whether the worker was stopped by its lifetime timeout.
func (h *Handle) TimedOut() bool {
	return h.timedOut.Load()
}

// Done returns a channel that is closed when the worker has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit code once Done is closed.
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// Kill terminates the worker. It sends a polite termination first and a
// forced kill once the grace period has passed. Calling Kill on a handle that
// is already stopping or stopped is a no-op.
func (h *Handle) Kill() error {
	if !h.Running() || !h.killRequested.CompareAndSwap(false, true) {
		return nil
	}

	if h.killGrace <= 0 {
		return h.proc.Kill()
	}

	err := h.proc.Terminate()
	go func() {
		t := time.NewTimer(h.killGrace)
		defer t.Stop()
		select {
		case <-h.done:
		case <-t.C:
			_ = h.proc.Kill()
		}
	}()
	return err
}

// Wait blocks until the worker exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Stop kills the worker and waits for it to exit. If it is still alive once
// ctx is done, it is force killed.
func (h *Handle) Stop(ctx context.Context) error {
	if err := h.Kill(); err != nil {
		_ = h.proc.Kill()
	}
	if _, err := h.Wait(ctx); err != nil {
		_ = h.proc.Kill()
		return err
	}
	return nil
}

// finish records the exit and releases waiters.
func (h *Handle) finish(exitCode int) {
	h.doneOnce.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
		h.exitCode = exitCode
		if h.killRequested.Load() {
			h.state.Store(int32(StateKilled))
		} else {
			h.state.Store(int32(StateExited))
		}
		close(h.done)
	})
}
