// Package supervisor runs the compositor restart loop.
//
// The loop owns the restart counter and the listening socket. It launches
// one compositor at a time, reaps it, classifies how it ended and either
// relaunches it, resets the counter, or stops. Signal handling lives in
// internal/relay and reaches the loop only through the process.Tracker and
// Quit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/wl-restart/internal/env"
	"github.com/loykin/wl-restart/internal/handoff"
	"github.com/loykin/wl-restart/internal/history"
	"github.com/loykin/wl-restart/internal/metrics"
	"github.com/loykin/wl-restart/internal/process"
)

var (
	ErrTooManyRestarts = errors.New("too many restarts")
	ErrUnclassifiable  = errors.New("failed to detect how compositor exited")
	ErrQuit            = errors.New("quit requested")
)

const (
	recordTimeout     = 5 * time.Second
	quitRecordTimeout = 500 * time.Millisecond
)

// Resource is the listening socket kept alive across compositor restarts.
type Resource interface {
	FD() int
	DisplayName() string
	File() *os.File
	Destroy() error
}

// Launcher starts one compositor incarnation and returns its pid.
type Launcher interface {
	Launch(argv, envv []string, ep process.Endpoint, mode handoff.Mode) (int, error)
}

// Config is fixed for the lifetime of a Supervisor.
type Config struct {
	MaxRestarts int
	Mode        handoff.Mode
	Policy      Policy
	// ExportRestartCount sets WL_RESTART_COUNT for every compositor launched
	// after the first one.
	ExportRestartCount bool
}

// State is the supervisor's position in its state machine.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateEvaluating State = "evaluating"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

var allStates = []State{StateIdle, StateRunning, StateEvaluating, StateSucceeded, StateFailed}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	Session      string `json:"session"`
	Mode         string `json:"mode"`
	Display      string `json:"display"`
	PID          int    `json:"pid"`
	RestartCount int    `json:"restart_count"`
	MaxRestarts  int    `json:"max_restarts"`
	State        State  `json:"state"`
	LastOutcome  string `json:"last_outcome,omitempty"`
	Launches     int    `json:"launches"`
}

// Option customises a Supervisor, mostly to replace OS interactions in tests.
type Option func(*Supervisor)

func WithWait(w process.WaitFunc) Option     { return func(s *Supervisor) { s.wait = w } }
func WithKill(k process.KillFunc) Option     { return func(s *Supervisor) { s.kill = k } }
func WithCollect(c func([]int) []int) Option { return func(s *Supervisor) { s.collect = c } }
func WithEnv(e *env.Env) Option              { return func(s *Supervisor) { s.env = e } }
func WithSink(sink history.Sink) Option      { return func(s *Supervisor) { s.sink = sink } }
func WithNotify(n NotifyFunc) Option         { return func(s *Supervisor) { s.notify = n } }
func WithLogger(l *slog.Logger) Option       { return func(s *Supervisor) { s.log = l } }
func WithSessionID(id string) Option         { return func(s *Supervisor) { s.session = id } }

// WithExit sets what Quit calls after teardown; os.Exit in the CLI. Without
// it Quit returns and Run stops with ErrQuit.
func WithExit(f func(code int)) Option { return func(s *Supervisor) { s.exit = f } }

type Supervisor struct {
	cfg      Config
	res      Resource
	launcher Launcher
	tracker  process.Tracker

	wait    process.WaitFunc
	kill    process.KillFunc
	collect func([]int) []int
	exit    func(int)
	env     *env.Env
	sink    history.Sink
	notify  NotifyFunc
	log     *slog.Logger
	session string

	// main loop only
	count    int
	launches int
	orphans  []int

	quitting     atomic.Bool
	teardownOnce sync.Once
	teardownErr  error

	mu     sync.Mutex
	status Status
}

// New returns a supervisor that owns res from now on: every path out of Run,
// and Quit, destroys it exactly once.
func New(cfg Config, res Resource, l Launcher, opts ...Option) *Supervisor {
	if cfg.Policy.ReloadSignal == 0 {
		cfg.Policy.ReloadSignal = DefaultPolicy.ReloadSignal
	}
	if cfg.Policy.SoftResetSignal == 0 {
		cfg.Policy.SoftResetSignal = DefaultPolicy.SoftResetSignal
	}
	s := &Supervisor{
		cfg:      cfg,
		res:      res,
		launcher: l,
		wait:     process.Wait4,
		kill:     process.Kill,
		collect:  process.Collect,
		notify:   SdNotify,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.env == nil {
		s.env = env.New()
	}
	s.status = Status{
		Session:     s.session,
		Mode:        cfg.Mode.String(),
		Display:     res.DisplayName(),
		MaxRestarts: cfg.MaxRestarts,
		State:       StateIdle,
	}
	return s
}

// Tracker is the tracked-pid cell shared with the signal relay.
func (s *Supervisor) Tracker() *process.Tracker { return &s.tracker }

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run launches the compositor described by template and supervises it until
// it exits cleanly (nil), the restart budget is exhausted
// (ErrTooManyRestarts), its termination cannot be classified
// (ErrUnclassifiable), Quit is called (ErrQuit), or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, template []string) error {
	defer func() {
		s.orphans = s.collect(s.orphans)
		if err := s.teardown(); err != nil {
			s.log.Warn("failed to release wayland socket", "error", err)
		}
	}()
	stop := context.AfterFunc(ctx, s.terminateTracked)
	defer stop()

	plan, err := handoff.Build(template, s.cfg.Mode, s.res)
	if err != nil {
		s.log.Error("failed to build compositor command", "error", err)
		s.finish(StateFailed)
		return err
	}

	exported := false
	for {
		if err := s.interrupted(ctx); err != nil {
			return err
		}
		if s.count >= s.cfg.MaxRestarts {
			s.log.Error("too many restarts, quitting", "restarts", s.count, "max", s.cfg.MaxRestarts)
			s.record(ctx, history.Event{Type: history.EventGiveUp, RestartCount: s.count})
			s.finish(StateFailed)
			return ErrTooManyRestarts
		}

		pid, o, err := s.runOnce(ctx, plan, exported)
		if err != nil {
			s.finish(StateFailed)
			return err
		}
		if err := s.interrupted(ctx); err != nil {
			return err
		}

		s.setState(StateEvaluating)
		verdict, next := Decide(o, s.count, s.cfg.Policy)
		s.count = next
		exported = true
		s.report(verdict, o)
		s.observe(ctx, pid, o)

		switch verdict {
		case VerdictSucceed:
			s.finish(StateSucceeded)
			return nil
		case VerdictFail:
			s.finish(StateFailed)
			return fmt.Errorf("%w: %s", ErrUnclassifiable, o)
		}
	}
}

// Quit is the quit-signal path: it terminates the tracked compositor,
// releases the socket and calls the exit function with status 1.
// The history event is written last, with a short budget, so a slow sink
// cannot hold the compositor up.
func (s *Supervisor) Quit(sig os.Signal) {
	s.quitting.Store(true)
	s.setState(StateFailed)
	restarts := s.Status().RestartCount
	if err := s.teardown(); err != nil {
		s.log.Warn("failed to release wayland socket", "error", err)
	}
	s.recordWithin(context.Background(), history.Event{Type: history.EventQuit, Signal: sig.String(), RestartCount: restarts}, quitRecordTimeout)
	if s.exit != nil {
		s.exit(1)
	}
}

// Close releases the socket without running the loop. It is safe to call
// after Run.
func (s *Supervisor) Close() error { return s.teardown() }

func (s *Supervisor) runOnce(ctx context.Context, plan handoff.Plan, exported bool) (int, process.Outcome, error) {
	envv := s.childEnv(plan.Env, exported)
	pid, err := s.launcher.Launch(plan.Argv, envv, s.res, s.cfg.Mode)
	if err != nil {
		s.log.Error("failed to start compositor", "error", err)
		return process.NoPID, process.Outcome{}, fmt.Errorf("launch compositor: %w", err)
	}
	s.tracker.Track(pid)
	if s.quitting.Load() || ctx.Err() != nil {
		// a quit raced with the launch and saw no tracked child
		s.terminateTracked()
	}
	s.started(ctx, pid)

	o, err := process.Reap(&s.tracker, s.wait)
	if err == nil && o.Kind == process.KindReclaimed && !o.Waited {
		s.orphans = append(s.orphans, pid)
	}
	s.orphans = s.collect(s.orphans)
	if err != nil {
		s.log.Error("failed to wait for compositor", "pid", pid, "error", err)
		return pid, o, err
	}
	return pid, o, nil
}

func (s *Supervisor) childEnv(planEnv []string, exported bool) []string {
	overrides := [][]string{planEnv}
	if exported && s.cfg.ExportRestartCount {
		overrides = append(overrides, []string{handoff.EnvRestartCount + "=" + strconv.Itoa(s.count)})
	}
	return s.env.Merge(overrides...)
}

func (s *Supervisor) interrupted(ctx context.Context) error {
	if s.quitting.Load() {
		return ErrQuit
	}
	if err := ctx.Err(); err != nil {
		s.finish(StateFailed)
		return err
	}
	return nil
}

func (s *Supervisor) terminateTracked() {
	if pid := s.tracker.Release(); pid != process.NoPID {
		if err := s.kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			s.log.Warn("failed to terminate compositor", "pid", pid, "error", err)
		}
	}
}

func (s *Supervisor) teardown() error {
	s.teardownOnce.Do(func() {
		s.terminateTracked()
		s.teardownErr = s.res.Destroy()
		s.notify("STOPPING=1")
	})
	return s.teardownErr
}

func (s *Supervisor) started(ctx context.Context, pid int) {
	metrics.IncStart()
	if s.launches > 0 {
		metrics.IncRestart()
	}
	s.launches++

	s.mu.Lock()
	s.status.PID = pid
	s.status.Launches = s.launches
	s.mu.Unlock()
	s.setState(StateRunning)

	s.log.Info("compositor started", "pid", pid, "display", s.res.DisplayName(), "restarts", s.count)
	s.record(ctx, history.Event{Type: history.EventStart, PID: pid, RestartCount: s.count})

	status := fmt.Sprintf("STATUS=compositor %d running on %s (restart counter %d)", pid, s.res.DisplayName(), s.count)
	if s.launches == 1 {
		status = "READY=1\n" + status
	}
	s.notify(status)
}

func (s *Supervisor) report(v Verdict, o process.Outcome) {
	switch v {
	case VerdictSucceed:
		s.log.Info("compositor exited successfully, quitting")
	case VerdictCrash:
		if o.Kind == process.KindFailed {
			s.log.Info("compositor exited with code, incrementing restart counter", "code", o.Code, "restarts", s.count)
		} else {
			s.log.Info("compositor died with signal, incrementing restart counter", "signal", process.SignalName(o.Signal), "restarts", s.count)
		}
	case VerdictReset:
		if o.Kind == process.KindKilled && o.Signal == s.cfg.Policy.SoftResetSignal {
			s.log.Info("compositor died with signal, resetting counter", "signal", process.SignalName(o.Signal))
		} else {
			s.log.Info("compositor died with signal, restarting", "signal", process.SignalName(s.cfg.Policy.ReloadSignal))
		}
	default:
		s.log.Error("failed to detect how compositor exited", "outcome", o.String())
	}
}

func (s *Supervisor) observe(ctx context.Context, pid int, o process.Outcome) {
	metrics.IncExit(o.Kind.String())
	metrics.SetRestartCounter(s.count)

	s.mu.Lock()
	s.status.PID = process.NoPID
	s.status.RestartCount = s.count
	s.status.LastOutcome = o.String()
	s.mu.Unlock()

	e := history.Event{Type: history.EventExit, PID: pid, Outcome: o.Kind.String(), RestartCount: s.count}
	switch o.Kind {
	case process.KindFailed:
		e.Code = o.Code
	case process.KindKilled:
		e.Signal = process.SignalName(o.Signal)
	}
	s.record(ctx, e)
}

func (s *Supervisor) finish(st State) {
	if s.quitting.Load() {
		return
	}
	s.setState(st)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.status.State = st
	s.mu.Unlock()
	for _, x := range allStates {
		metrics.SetState(string(x), x == st)
	}
}

func (s *Supervisor) record(ctx context.Context, e history.Event) {
	s.recordWithin(ctx, e, recordTimeout)
}

func (s *Supervisor) recordWithin(ctx context.Context, e history.Event, timeout time.Duration) {
	if s.sink == nil {
		return
	}
	e.OccurredAt = time.Now().UTC()
	e.Session = s.session
	e.Display = s.res.DisplayName()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.sink.Send(ctx, e); err != nil {
		s.log.Warn("failed to record history event", "event", string(e.Type), "error", err)
	}
}
