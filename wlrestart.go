package wlrestart

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/wl-restart/internal/config"
	"github.com/loykin/wl-restart/internal/env"
	"github.com/loykin/wl-restart/internal/history"
	"github.com/loykin/wl-restart/internal/history/factory"
	"github.com/loykin/wl-restart/internal/metrics"
	"github.com/loykin/wl-restart/internal/process"
	"github.com/loykin/wl-restart/internal/relay"
	"github.com/loykin/wl-restart/internal/server"
	"github.com/loykin/wl-restart/internal/socket"
	"github.com/loykin/wl-restart/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = supervisor.Status

type HistorySink = history.Sink

var (
	ErrTooManyRestarts = supervisor.ErrTooManyRestarts
	ErrUnclassifiable  = supervisor.ErrUnclassifiable
	ErrQuit            = supervisor.ErrQuit
)

type Option func(*Restarter)

func WithLogger(l *slog.Logger) Option { return func(r *Restarter) { r.log = l } }

// WithExit sets what a quit signal ends in, normally os.Exit. Without it a
// quit signal makes Run return ErrQuit once the compositor is gone.
func WithExit(f func(code int)) Option { return func(r *Restarter) { r.exit = f } }

func WithLauncher(l supervisor.Launcher) Option { return func(r *Restarter) { r.launcher = l } }

// WithSocketDir creates the listening socket in dir instead of
// $XDG_RUNTIME_DIR.
func WithSocketDir(dir string) Option { return func(r *Restarter) { r.socketDir = dir } }

// WithHistorySink adds a sink next to the one configured by history.dsn.
func WithHistorySink(s HistorySink) Option { return func(r *Restarter) { r.sinks = append(r.sinks, s) } }

// Restarter wires the socket, supervisor, signal relay and the optional
// status server for one compositor session.
type Restarter struct {
	cfg       Config
	log       *slog.Logger
	exit      func(int)
	launcher  supervisor.Launcher
	socketDir string
	sinks     []HistorySink

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func New(cfg Config, opts ...Option) *Restarter {
	r := &Restarter{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Status reports the running session; it is the zero Status before Run.
func (r *Restarter) Status() Status {
	r.mu.Lock()
	sup := r.sup
	r.mu.Unlock()
	if sup == nil {
		return Status{}
	}
	return sup.Status()
}

// Run supervises argv until the compositor exits cleanly, the restart
// budget runs out, a quit signal arrives or ctx is cancelled.
func (r *Restarter) Run(ctx context.Context, argv []string) error {
	launcher := r.launcher
	if launcher == nil {
		l, err := process.NewLauncher()
		if err != nil {
			return err
		}
		launcher = l
	}

	sink, closeSink, err := r.historySink()
	if err != nil {
		return err
	}
	defer closeSink()

	sock, err := r.createSocket()
	if err != nil {
		r.log.Error("failed to create wayland socket", "error", err)
		return err
	}

	e := env.New()
	e.FromOS()
	e.SetList(r.cfg.Env)

	session := uuid.NewString()
	log := r.log.With("session", session, "display", sock.DisplayName())
	opts := []supervisor.Option{
		supervisor.WithEnv(e),
		supervisor.WithLogger(log),
		supervisor.WithSessionID(session),
	}
	if sink != nil {
		opts = append(opts, supervisor.WithSink(sink))
	}
	if r.exit != nil {
		opts = append(opts, supervisor.WithExit(r.exit))
	}
	sup := supervisor.New(supervisor.Config{
		MaxRestarts: r.cfg.MaxRestarts,
		Mode:        r.cfg.Mode,
		Policy: supervisor.Policy{
			ReloadSignal:    r.cfg.ReloadSignal,
			SoftResetSignal: r.cfg.SoftResetSignal,
		},
		ExportRestartCount: r.cfg.ExportRestartCount,
	}, sock, launcher, opts...)
	r.mu.Lock()
	r.sup = sup
	r.mu.Unlock()

	rl := relay.New(sup.Tracker(), sup.Quit, relay.Options{Reload: r.cfg.ReloadSignal, Logger: log})
	rl.Start()
	defer rl.Stop()

	if r.cfg.Metrics.Listen != "" {
		srv, err := r.serve(sup)
		if err != nil {
			_ = sup.Close()
			return err
		}
		defer shutdown(srv)
	}

	log.Info("supervising compositor", "command", argv, "mode", r.cfg.Mode.String(), "max_restarts", r.cfg.MaxRestarts)
	return sup.Run(ctx, argv)
}

func (r *Restarter) createSocket() (*socket.Socket, error) {
	if r.socketDir != "" {
		return socket.CreateIn(r.socketDir)
	}
	return socket.Create()
}

func (r *Restarter) historySink() (history.Sink, func(), error) {
	sinks := append([]HistorySink(nil), r.sinks...)
	var closers []io.Closer
	if dsn := r.cfg.History.DSN; dsn != "" {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
		if c, ok := s.(io.Closer); ok {
			closers = append(closers, c)
		}
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	switch len(sinks) {
	case 0:
		return nil, closeAll, nil
	case 1:
		return sinks[0], closeAll, nil
	default:
		return history.Multi(sinks...), closeAll, nil
	}
}

func (r *Restarter) serve(sup *supervisor.Supervisor) (*http.Server, error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}
	srv, err := server.NewServer(r.cfg.Metrics.Listen, r.cfg.Metrics.BasePath, sup)
	if err != nil {
		r.log.Error("failed to start status server", "listen", r.cfg.Metrics.Listen, "error", err)
		return nil, err
	}
	r.log.Info("status server listening", "addr", srv.Addr)
	return srv, nil
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = srv.Close()
	}
}
