//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const gracefulKillSupported = true

// signalTerm delivers SIGTERM to the child's process group, falling back to
// the pid when the group signal fails.
func signalTerm(pid int) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err == nil {
		return nil
	}
	return unix.Kill(pid, unix.SIGTERM)
}

// signalKill delivers SIGKILL to the child's process group.
func signalKill(pid int) error {
	if err := unix.Kill(-pid, unix.SIGKILL); err == nil {
		return nil
	}
	return unix.Kill(pid, unix.SIGKILL)
}

// setProcessGroup puts a pipe-fallback child in its own process group so
// the kill flow reaches the whole tree. PTY children get this from setsid.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
