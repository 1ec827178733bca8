//go:build windows

package statemgr

import "syscall"

// pidAlive has no signal-0 equivalent on Windows; OpenProcess succeeding is
// the closest analogue, mirroring internal/instance's signalProbe.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}
