// Package relay turns asynchronous signals into supervisor actions.
//
// Quit-class signals end the supervisor through a callback. The reload
// signal terminates the running compositor so the main loop relaunches it.
// The only supervisor state the relay touches is the process.Tracker.
package relay

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/loykin/wl-restart/internal/process"
	"golang.org/x/sys/unix"
)

// QuitFunc performs the process-wide shutdown for a quit-class signal.
type QuitFunc func(sig os.Signal)

// Options tunes a Relay. Zero values select SIGHUP as the reload signal,
// SIGINT and SIGTERM as quit signals, and process.Kill.
type Options struct {
	Reload unix.Signal
	Quit   []os.Signal
	Kill   process.KillFunc
	Logger *slog.Logger
}

// Relay owns the signal subscription and its dispatch goroutine.
type Relay struct {
	tracker *process.Tracker
	onQuit  QuitFunc
	reload  unix.Signal
	quit    []os.Signal
	kill    process.KillFunc
	log     *slog.Logger

	ch       chan os.Signal
	done     chan struct{}
	stop     chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New returns a relay bound to t. Start must be called to subscribe.
func New(t *process.Tracker, onQuit QuitFunc, opts Options) *Relay {
	r := &Relay{
		tracker: t,
		onQuit:  onQuit,
		reload:  opts.Reload,
		quit:    opts.Quit,
		kill:    opts.Kill,
		log:     opts.Logger,
		ch:      make(chan os.Signal, 4),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	if r.reload == 0 {
		r.reload = unix.SIGHUP
	}
	if len(r.quit) == 0 {
		r.quit = []os.Signal{unix.SIGINT, unix.SIGTERM}
	}
	if r.kill == nil {
		r.kill = process.Kill
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// ReloadSignal returns the signal that triggers a compositor restart.
func (r *Relay) ReloadSignal() unix.Signal { return r.reload }

// Start subscribes to the quit and reload signals. It is a no-op when
// called again.
func (r *Relay) Start() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return
	}
	r.started = true
	signal.Notify(r.ch, append([]os.Signal{r.reload}, r.quit...)...)
	go r.loop()
}

// Stop unsubscribes and waits for the dispatch goroutine to finish.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.startMu.Lock()
		started := r.started
		r.startMu.Unlock()
		signal.Stop(r.ch)
		close(r.stop)
		if started {
			<-r.done
		}
	})
}

func (r *Relay) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case sig := <-r.ch:
			r.dispatch(sig)
		}
	}
}

func (r *Relay) dispatch(sig os.Signal) {
	if s, ok := sig.(unix.Signal); ok && s == r.reload {
		r.log.Info("signal received, restarting compositor", "signal", process.SignalName(s))
		r.Restart()
		return
	}
	r.log.Info("signal received, quitting", "signal", sig.String())
	if r.onQuit != nil {
		r.onQuit(sig)
	}
}

// Restart releases the tracked compositor and asks it to terminate. It
// reports whether there was a compositor to release. The release happens
// before the kill, so the main loop's reaper sees the pid gone by the time
// the child's status can be collected.
func (r *Relay) Restart() bool {
	pid := r.tracker.Release()
	if pid == process.NoPID {
		return false
	}
	if err := r.kill(pid, unix.SIGTERM); err != nil {
		r.log.Warn("failed to terminate compositor", "pid", pid, "error", err)
	}
	return true
}
