//go:build !windows

package instance

import (
	"syscall"
)

// procAttr places the child in its own process group so a graceful-signal or
// forceful-kill reaches every descendant it spawns, mirroring the teacher's
// sysattrs_unix.go.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalProbe(pid int) bool {
	return syscall.Kill(-pid, syscall.Signal(0)) == nil
}

func terminate(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
}

func forceKill(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
