package supervisor

import (
	"github.com/loykin/wl-restart/internal/process"
	"golang.org/x/sys/unix"
)

// Verdict is what the supervisor does after one compositor lifecycle.
type Verdict int

const (
	// VerdictFail ends the supervisor: the termination could not be classified.
	VerdictFail Verdict = iota
	// VerdictSucceed ends the supervisor after a clean exit.
	VerdictSucceed
	// VerdictCrash counts the termination against the restart budget.
	VerdictCrash
	// VerdictReset clears the restart counter before relaunching.
	VerdictReset
)

func (v Verdict) String() string {
	switch v {
	case VerdictSucceed:
		return "succeed"
	case VerdictCrash:
		return "crash"
	case VerdictReset:
		return "reset"
	default:
		return "fail"
	}
}

// Policy names the signals that are restart requests rather than crashes.
type Policy struct {
	ReloadSignal    unix.Signal
	SoftResetSignal unix.Signal
}

// DefaultPolicy treats SIGHUP as reload and SIGTRAP as soft reset.
var DefaultPolicy = Policy{ReloadSignal: unix.SIGHUP, SoftResetSignal: unix.SIGTRAP}

// Decide applies the transition table to one outcome and returns the verdict
// together with the new restart counter. A reclaimed child counts as killed
// by the reload signal.
func Decide(o process.Outcome, count int, p Policy) (Verdict, int) {
	switch o.Kind {
	case process.KindSuccess:
		return VerdictSucceed, count
	case process.KindFailed:
		if o.Code > 0 {
			return VerdictCrash, count + 1
		}
	case process.KindReclaimed:
		return VerdictReset, 0
	case process.KindKilled:
		switch o.Signal {
		case p.ReloadSignal, p.SoftResetSignal:
			return VerdictReset, 0
		}
		if o.Signal > 0 {
			return VerdictCrash, count + 1
		}
	}
	return VerdictFail, count
}
