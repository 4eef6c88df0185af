//go:build !windows

package process

import "golang.org/x/sys/unix"

// KillFunc delivers a signal to a single process.
type KillFunc func(pid int, sig unix.Signal) error

// Kill sends sig to pid. Non-positive pids are refused so a cleared tracker
// can never address a whole process group.
func Kill(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	return unix.Kill(pid, sig)
}

// processExists reports whether pid can be signalled.
func processExists(pid int) bool {
	return pid > 0 && unix.Kill(pid, 0) == nil
}
