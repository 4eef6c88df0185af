package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/loykin/wl-restart/internal/env"
	"github.com/loykin/wl-restart/internal/handoff"
	"github.com/loykin/wl-restart/internal/history"
	"github.com/loykin/wl-restart/internal/process"
)

// Linux wait status encodings.
func exited(code int) unix.WaitStatus          { return unix.WaitStatus(code << 8) }
func signaled(sig unix.Signal) unix.WaitStatus { return unix.WaitStatus(sig) }

type fakeResource struct {
	mu        sync.Mutex
	destroyed int
}

func (r *fakeResource) FD() int             { return 7 }
func (r *fakeResource) DisplayName() string { return "wayland-9" }
func (r *fakeResource) File() *os.File      { return nil }
func (r *fakeResource) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed++
	return nil
}

func (r *fakeResource) destroyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// child scripts one incarnation. A child with neither exit code nor signal
// runs until it is killed.
type child struct {
	code      int
	signal    unix.Signal
	runs      bool
	onWait    func(w *world, pid int)
	waitErr   error
	launchErr error
}

func exitWith(code int) child        { return child{code: code} }
func killedBy(sig unix.Signal) child { return child{signal: sig} }
func running() child                 { return child{runs: true} }

type launchCall struct {
	argv []string
	env  []string
}

type killCall struct {
	pid int
	sig unix.Signal
}

// world fakes the kernel side: pids, wait statuses and kill(2).
type world struct {
	t   *testing.T
	sup *Supervisor

	mu        sync.Mutex
	script    []child
	nextPID   int
	statuses  map[int]chan unix.WaitStatus
	scripts   map[int]child
	launches  []launchCall
	kills     []killCall
	exits     []int
	notifies  []string
	collected []int
	waited    map[int]bool
}

func newWorld(t *testing.T, script ...child) *world {
	return &world{
		t:        t,
		script:   script,
		nextPID:  1000,
		statuses: make(map[int]chan unix.WaitStatus),
		scripts:  make(map[int]child),
		waited:   make(map[int]bool),
	}
}

func (w *world) Launch(argv, envv []string, ep process.Endpoint, mode handoff.Mode) (int, error) {
	if pid := w.sup.Tracker().PID(); pid != process.NoPID {
		w.t.Errorf("spawn with stale tracked pid %d", pid)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.script) == 0 {
		w.t.Errorf("unexpected launch #%d", len(w.launches)+1)
		return process.NoPID, errors.New("script exhausted")
	}
	c := w.script[0]
	w.script = w.script[1:]
	w.launches = append(w.launches, launchCall{argv: argv, env: envv})
	if c.launchErr != nil {
		return process.NoPID, c.launchErr
	}
	pid := w.nextPID
	w.nextPID++
	ch := make(chan unix.WaitStatus, 1)
	switch {
	case c.runs:
	case c.signal != 0:
		ch <- signaled(c.signal)
	default:
		ch <- exited(c.code)
	}
	w.statuses[pid] = ch
	w.scripts[pid] = c
	return pid, nil
}

func (w *world) wait(pid int) (unix.WaitStatus, error) {
	w.mu.Lock()
	ch, ok := w.statuses[pid]
	c := w.scripts[pid]
	first := !w.waited[pid]
	w.waited[pid] = true
	w.mu.Unlock()
	if !ok {
		return 0, unix.ECHILD
	}
	if first && c.onWait != nil {
		c.onWait(w, pid)
	}
	if c.waitErr != nil {
		return 0, c.waitErr
	}
	return <-ch, nil
}

func (w *world) kill(pid int, sig unix.Signal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kills = append(w.kills, killCall{pid, sig})
	ch, ok := w.statuses[pid]
	if !ok {
		return unix.ESRCH
	}
	select {
	case ch <- signaled(sig):
	default: // already exited
	}
	return nil
}

func (w *world) collect(pids []int) []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.collected = append(w.collected, pids...)
	return nil
}

func (w *world) exit(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exits = append(w.exits, code)
}

func (w *world) notify(state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notifies = append(w.notifies, state)
}

func (w *world) launchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.launches)
}

func (w *world) killCalls() []killCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]killCall(nil), w.kills...)
}

// restartCountEnv returns the WL_RESTART_COUNT value seen by each launch, "" when unset.
func (w *world) restartCountEnv() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.launches))
	for _, l := range w.launches {
		v := ""
		for _, kv := range l.env {
			if s, ok := strings.CutPrefix(kv, handoff.EnvRestartCount+"="); ok {
				v = s
			}
		}
		out = append(out, v)
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
	// onSend runs before the event is stored, outside the lock.
	onSend func(ctx context.Context, e history.Event)
}

func (s *recordingSink) Send(ctx context.Context, e history.Event) error {
	if s.onSend != nil {
		s.onSend(ctx, e)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	*world
	sup  *Supervisor
	res  *fakeResource
	sink *recordingSink
}

func newHarness(t *testing.T, cfg Config, script ...child) *harness {
	t.Helper()
	w := newWorld(t, script...)
	res := &fakeResource{}
	sink := &recordingSink{}
	e := env.New()
	e.FromList([]string{"PATH=/usr/bin", "XDG_RUNTIME_DIR=/run/user/1000"})
	sup := New(cfg, res, w,
		WithWait(w.wait),
		WithKill(w.kill),
		WithCollect(w.collect),
		WithExit(w.exit),
		WithEnv(e),
		WithSink(sink),
		WithNotify(w.notify),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSessionID("test-session"),
	)
	w.sup = sup
	return &harness{world: w, sup: sup, res: res, sink: sink}
}

func (h *harness) run() error {
	return h.sup.Run(context.Background(), []string{"kwin_wayland", "--xwayland"})
}
