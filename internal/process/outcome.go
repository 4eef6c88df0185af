package process

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// Kind is the normalised way a compositor incarnation ended.
type Kind int

const (
	// KindUnknown means the termination could not be classified.
	KindUnknown Kind = iota
	// KindSuccess is a normal exit with status 0.
	KindSuccess
	// KindFailed is a normal exit with a non-zero status.
	KindFailed
	// KindKilled is a termination by signal.
	KindKilled
	// KindReclaimed means a signal handler released the child before its
	// status could be observed.
	KindReclaimed
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailed:
		return "failed"
	case KindKilled:
		return "killed"
	case KindReclaimed:
		return "reclaimed"
	default:
		return "unknown"
	}
}

// Outcome is the Reaper's verdict for one incarnation.
type Outcome struct {
	Kind   Kind
	Code   int         // exit status for KindFailed
	Signal unix.Signal // terminating signal for KindKilled
	// Waited reports whether the child's status was consumed. A reclaimed
	// child that was not waited for is still a zombie the caller must collect.
	Waited bool
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindFailed:
		return "exit code " + strconv.Itoa(o.Code)
	case KindKilled:
		return "signal " + SignalName(o.Signal)
	default:
		return o.Kind.String()
	}
}

// SignalName returns the SIGxxx name of sig, or its number when unnamed.
func SignalName(sig unix.Signal) string {
	if n := unix.SignalName(sig); n != "" {
		return n
	}
	return strconv.Itoa(int(sig))
}

// Classify maps a wait status onto an Outcome.
func Classify(ws unix.WaitStatus) Outcome {
	switch {
	case ws.Signaled():
		return Outcome{Kind: KindKilled, Signal: ws.Signal(), Waited: true}
	case ws.Exited():
		if code := ws.ExitStatus(); code != 0 {
			return Outcome{Kind: KindFailed, Code: code, Waited: true}
		}
		return Outcome{Kind: KindSuccess, Waited: true}
	default:
		return Outcome{Kind: KindUnknown, Waited: true}
	}
}
