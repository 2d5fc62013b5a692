// Package workertest provides an in-memory worker Launcher for tests.
package workertest

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentease/streamrelay/internal/worker"
)

// ExitSignaled is the exit code reported for a process stopped by a signal.
const ExitSignaled = -1

// Process is a scripted worker process. Output written with WriteStdout and
// WriteStderr is read by the supervisor as if it came from a real process.
type Process struct {
	pid     int
	Options worker.LaunchOptions

	// IgnoreTerminate makes the process survive Terminate, so only Kill stops it.
	IgnoreTerminate bool

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	terminated atomic.Bool
	killed     atomic.Bool

	exitOnce sync.Once
	exitCode int
	exited   chan struct{}
}

// NewProcess creates a running fake process.
func NewProcess(pid int, opts worker.LaunchOptions) *Process {
	p := &Process{
		pid:     pid,
		Options: opts,
		exited:  make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *Process) Stdout() io.Reader { return p.stdoutR }
func (p *Process) Stderr() io.Reader { return p.stderrR }
func (p *Process) PID() int          { return p.pid }

// Wait blocks until Exit, Terminate or Kill ends the process.
func (p *Process) Wait() (int, error) {
	<-p.exited
	return p.exitCode, nil
}

// Terminate records the request and ends the process unless IgnoreTerminate is set.
func (p *Process) Terminate() error {
	p.terminated.Store(true)
	if !p.IgnoreTerminate {
		p.Exit(ExitSignaled)
	}
	return nil
}

// Kill ends the process.
func (p *Process) Kill() error {
	p.killed.Store(true)
	p.Exit(ExitSignaled)
	return nil
}

// WriteStdout writes to the primary output channel. It blocks until the
// supervisor has read the data.
func (p *Process) WriteStdout(s string) error {
	_, err := p.stdoutW.Write([]byte(s))
	return err
}

// WriteStderr writes to the diagnostic channel.
func (p *Process) WriteStderr(s string) error {
	_, err := p.stderrW.Write([]byte(s))
	return err
}

// Exit closes both output channels and ends the process with code.
func (p *Process) Exit(code int) {
	p.exitOnce.Do(func() {
		p.exitCode = code
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.exited)
	})
}

// Exited reports whether the process has ended.
func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool { return p.terminated.Load() }

// Killed reports whether Kill was called.
func (p *Process) Killed() bool { return p.killed.Load() }

// Launcher hands out fake processes and remembers them.
type Launcher struct {
	// Err, when set, fails every launch.
	Err error

	// IgnoreTerminate is copied onto every launched process.
	IgnoreTerminate bool

	mu        sync.Mutex
	nextPID   int
	processes []*Process
	launched  chan *Process
}

// NewLauncher creates a launcher.
func NewLauncher() *Launcher {
	return &Launcher{
		nextPID:  1000,
		launched: make(chan *Process, 64),
	}
}

// Launch implements worker.Launcher.
func (l *Launcher) Launch(opts worker.LaunchOptions) (worker.Process, error) {
	l.mu.Lock()
	if l.Err != nil {
		err := l.Err
		l.mu.Unlock()
		return nil, err
	}
	l.nextPID++
	p := NewProcess(l.nextPID, opts)
	p.IgnoreTerminate = l.IgnoreTerminate
	l.processes = append(l.processes, p)
	l.mu.Unlock()

	l.launched <- p
	return p, nil
}

// SetErr makes subsequent launches fail with err.
func (l *Launcher) SetErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Err = err
}

// Processes returns every process launched so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.processes...)
}

// ErrNoLaunch is returned by Next when nothing was launched in time.
var ErrNoLaunch = errors.New("no process launched")

// Next returns the next launched process, waiting up to timeout.
func (l *Launcher) Next(timeout time.Duration) (*Process, error) {
	select {
	case p := <-l.launched:
		return p, nil
	case <-time.After(timeout):
		return nil, ErrNoLaunch
	}
}
