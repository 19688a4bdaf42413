//go:build windows

package orchestrator

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// terminate kills the process; Windows has no SIGTERM for console children.
func terminate(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	return c.Process.Kill()
}

// groupAlive reports false: Windows has no process-group signal and the
// leader is killed outright by terminate.
func groupAlive(*exec.Cmd) bool { return false }

func killGroup(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	return c.Process.Kill()
}
