package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/loykin/wl-restart/internal/process"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		outcome process.Outcome
		count   int
		verdict Verdict
		next    int
	}{
		{"success keeps counter", process.Outcome{Kind: process.KindSuccess}, 4, VerdictSucceed, 4},
		{"exit code increments", process.Outcome{Kind: process.KindFailed, Code: 1}, 0, VerdictCrash, 1},
		{"exec failure is a crash", process.Outcome{Kind: process.KindFailed, Code: process.ExitExecFailed}, 2, VerdictCrash, 3},
		{"reload signal resets", process.Outcome{Kind: process.KindKilled, Signal: unix.SIGHUP}, 5, VerdictReset, 0},
		{"reclaimed resets", process.Outcome{Kind: process.KindReclaimed}, 1, VerdictReset, 0},
		{"soft reset signal resets", process.Outcome{Kind: process.KindKilled, Signal: unix.SIGTRAP}, 9, VerdictReset, 0},
		{"other signal increments", process.Outcome{Kind: process.KindKilled, Signal: unix.SIGSEGV}, 1, VerdictCrash, 2},
		{"unknown fails", process.Outcome{Kind: process.KindUnknown}, 1, VerdictFail, 1},
		{"zero failed code is unclassifiable", process.Outcome{Kind: process.KindFailed}, 0, VerdictFail, 0},
		{"zero signal is unclassifiable", process.Outcome{Kind: process.KindKilled}, 0, VerdictFail, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, next := Decide(tt.outcome, tt.count, DefaultPolicy)
			assert.Equal(t, tt.verdict, v)
			assert.Equal(t, tt.next, next)
		})
	}
}

func TestDecideCustomSignals(t *testing.T) {
	p := Policy{ReloadSignal: unix.SIGUSR1, SoftResetSignal: unix.SIGUSR2}
	v, n := Decide(process.Outcome{Kind: process.KindKilled, Signal: unix.SIGUSR2}, 3, p)
	assert.Equal(t, VerdictReset, v)
	assert.Equal(t, 0, n)

	// SIGHUP is an ordinary crash once it is no longer the reload signal
	v, n = Decide(process.Outcome{Kind: process.KindKilled, Signal: unix.SIGHUP}, 3, p)
	assert.Equal(t, VerdictCrash, v)
	assert.Equal(t, 4, n)
}

// Counter after N consecutive crashes never exceeds the point where the
// supervisor stops, min(N, max).
func TestDecideCrashSequenceHitsBudget(t *testing.T) {
	crashes := []process.Outcome{
		{Kind: process.KindFailed, Code: 1},
		{Kind: process.KindKilled, Signal: unix.SIGSEGV},
		{Kind: process.KindFailed, Code: 2},
		{Kind: process.KindKilled, Signal: unix.SIGABRT},
		{Kind: process.KindFailed, Code: 3},
	}
	for limit := 0; limit <= len(crashes)+1; limit++ {
		count, n := 0, 0
		for _, o := range crashes {
			if count >= limit {
				break
			}
			_, count = Decide(o, count, DefaultPolicy)
			n++
		}
		want := min(len(crashes), limit)
		assert.Equal(t, want, count, "max=%d", limit)
		assert.Equal(t, want, n, "lifecycles for max=%d", limit)
	}
}
