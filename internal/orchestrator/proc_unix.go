//go:build !windows

package orchestrator

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the child in its own group so the whole tree can
// be signalled.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
}

func groupAlive(c *exec.Cmd) bool {
	if c.Process == nil {
		return false
	}
	return syscall.Kill(-c.Process.Pid, 0) == nil
}

func killGroup(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
}
