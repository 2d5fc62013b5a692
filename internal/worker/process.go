// Package worker launches and supervises the external analysis process of a
// session, turning its output into results and diagnostics.
package worker

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// Process is a running worker process.
type Process interface {
	// Stdout is the primary output channel carrying newline-delimited records.
	Stdout() io.Reader

	// Stderr is the diagnostic channel carrying free text.
	Stderr() io.Reader

	// Wait blocks until the process exits and returns its exit code.
	// Returns -1 if the process was killed by a signal.
	Wait() (int, error)

	// Terminate asks the process (and its children) to stop.
	Terminate() error

	// Kill forcibly stops the process (and its children).
	Kill() error

	// PID returns the OS process ID.
	PID() int
}

// LaunchOptions contains options for starting a worker process.
type LaunchOptions struct {
	// Command is the executable to run.
	Command string

	// Args are the arguments to pass to the command.
	Args []string

	// Env is the environment of the process.
	// If nil, the current process environment is used.
	Env []string

	// Dir is the working directory for the process.
	// If empty, the current directory is used.
	Dir string
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(opts LaunchOptions) (Process, error)
}

// ExecLauncher launches workers as local OS processes in their own process group.
type ExecLauncher struct{}

// Launch starts the command with piped stdout and stderr.
func (ExecLauncher) Launch(opts LaunchOptions) (Process, error) {
	if opts.Command == "" {
		return nil, errors.New("command is required")
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return &execProcess{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		pid:    cmd.Process.Pid,
	}, nil
}

// execProcess is a Process backed by os/exec.
type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	pid    int
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) PID() int          { return p.pid }

// Wait waits for the process to exit. The output pipes must be drained first.
func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (p *execProcess) Terminate() error {
	return terminateGroup(p.cmd)
}

func (p *execProcess) Kill() error {
	return killGroup(p.cmd)
}

// splitCommand splits a command string into command and arguments.
// This handles basic quoting (single and double quotes).
func splitCommand(cmd string) []string {
	var parts []string
	var current []rune
	inQuote := false
	quoteChar := rune(0)

	for _, r := range cmd {
		switch {
		case r == '"' || r == '\'':
			if inQuote {
				if r == quoteChar {
					inQuote = false
					quoteChar = 0
				} else {
					current = append(current, r)
				}
			} else {
				inQuote = true
				quoteChar = r
			}
		case r == ' ' || r == '\t':
			if inQuote {
				current = append(current, r)
			} else if len(current) > 0 {
				parts = append(parts, string(current))
				current = nil
			}
		default:
			current = append(current, r)
		}
	}

	if len(current) > 0 {
		parts = append(parts, string(current))
	}

	return parts
}
