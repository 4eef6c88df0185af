package process

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// WaitFunc blocks until pid changes state.
type WaitFunc func(pid int) (unix.WaitStatus, error)

// Wait4 waits for pid with wait4(2).
func Wait4(pid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(pid, &ws, 0, nil)
	return ws, err
}

// Reap waits for the tracked child and classifies how it ended.
//
// The tracker may be released by the signal relay at any point. A wait
// interrupted by a signal is retried against a fresh snapshot; once the
// snapshot is NoPID the result is KindReclaimed. ECHILD means the child was
// collected elsewhere: reclaimed if the tracker was released meanwhile,
// KindUnknown if it still names the same pid.
// Any other wait error is returned. The tracker is always cleared on return.
// A reclaimed outcome with Waited unset leaves a zombie for Collect.
func Reap(t *Tracker, wait WaitFunc) (Outcome, error) {
	defer t.Clear()

	pid := t.PID()
	for {
		if pid == NoPID {
			return Outcome{Kind: KindReclaimed}, nil
		}
		ws, err := wait(pid)
		if err == nil {
			if t.PID() == NoPID {
				// a handler already claimed this incarnation
				return Outcome{Kind: KindReclaimed, Waited: true}, nil
			}
			return Classify(ws), nil
		}
		switch {
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.ECHILD):
			// somebody else collected it; there is nothing left to wait for
			if t.PID() == pid {
				return Outcome{Kind: KindUnknown, Waited: true}, nil
			}
			return Outcome{Kind: KindReclaimed, Waited: true}, nil
		default:
			return Outcome{}, fmt.Errorf("wait for compositor %d: %w", pid, err)
		}
		pid = t.PID()
	}
}

// Collect reaps released children without blocking and returns the pids
// that have not exited yet.
func Collect(pids []int) []int {
	pending := pids[:0]
	for _, pid := range pids {
		var ws unix.WaitStatus
		got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case err == nil && got == 0, errors.Is(err, unix.EINTR):
			pending = append(pending, pid)
		}
	}
	return pending
}
