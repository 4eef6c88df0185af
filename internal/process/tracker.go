package process

import "sync/atomic"

// NoPID is the Tracker value meaning no child is expected to be running.
const NoPID = 0

// Tracker holds the pid of the running compositor. It is the only state
// shared between the supervisor loop and the signal relay, so every access
// is a single atomic load, store, or swap.
type Tracker struct {
	pid atomic.Int64
}

// Track records a freshly spawned child.
func (t *Tracker) Track(pid int) { t.pid.Store(int64(pid)) }

// PID returns the tracked child or NoPID.
func (t *Tracker) PID() int { return int(t.pid.Load()) }

// Release clears the tracked child and returns the previous value. Exactly
// one caller observes a given pid, so only one of them may signal it.
func (t *Tracker) Release() int { return int(t.pid.Swap(NoPID)) }

// Clear forgets the tracked child.
func (t *Tracker) Clear() { t.pid.Store(NoPID) }
