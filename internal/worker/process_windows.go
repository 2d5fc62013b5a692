//go:build windows

package worker

import (
	"errors"
	"os"
	"os/exec"
)

// setProcessGroup is a no-op on Windows; the worker is killed directly.
func setProcessGroup(cmd *exec.Cmd) {}

// terminateGroup kills the process; Windows has no SIGTERM equivalent for
// console-less children.
func terminateGroup(cmd *exec.Cmd) error {
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
