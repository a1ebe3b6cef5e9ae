//go:build unix

package dispatch

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the worker in its own process group so a timeout also
// reaches anything the worker started (an interpreter's children, a `sleep`).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd) error {
	return sendGroup(cmd, syscall.SIGTERM)
}

func killGroup(cmd *exec.Cmd) error {
	return sendGroup(cmd, syscall.SIGKILL)
}

func sendGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
