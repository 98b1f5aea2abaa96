//go:build !unix

package supervisor

import "os/exec"

const gracefulKillSupported = false

func signalTerm(pid int) error { return nil }

func signalKill(pid int) error { return nil }

func setProcessGroup(cmd *exec.Cmd) {}
