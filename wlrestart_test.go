package wlrestart

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/loykin/wl-restart/internal/config"
	"github.com/loykin/wl-restart/internal/handoff"
	"github.com/loykin/wl-restart/internal/history"
	"github.com/loykin/wl-restart/internal/history/sqlite"
	"github.com/loykin/wl-restart/internal/process"
	"github.com/loykin/wl-restart/internal/supervisor"
)

// The test binary doubles as the exec shim.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == process.ShimCommand {
		req, err := process.ParseExecArgs(os.Args[2:])
		if err == nil {
			err = process.ExecChild(req)
		}
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(process.ExitExecFailed)
	}
	os.Exit(m.Run())
}

func testConfig(maxRestarts int) Config {
	return Config{
		MaxRestarts:        maxRestarts,
		Mode:               handoff.ModeEnv,
		ExportRestartCount: true,
		ReloadSignal:       unix.SIGHUP,
		SoftResetSignal:    unix.SIGTRAP,
	}
}

func newTestRestarter(t *testing.T, cfg Config, opts ...Option) (*Restarter, string) {
	t.Helper()
	dir := t.TempDir()
	l := &process.Launcher{
		Self:   os.Args[0],
		Prefix: []string{process.ShimCommand},
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	opts = append([]Option{WithLauncher(l), WithSocketDir(dir)}, opts...)
	return New(cfg, opts...), dir
}

func requireNoSocketFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "socket and lock file must be removed")
}

func TestStatusBeforeRun(t *testing.T) {
	r := New(testConfig(1))
	assert.Equal(t, Status{}, r.Status())
}

func TestRunCleanExit(t *testing.T) {
	r, dir := newTestRestarter(t, testConfig(3))
	err := r.Run(context.Background(), []string{"sh", "-c", `test -n "$WAYLAND_SOCKET_FD"`})
	require.NoError(t, err)

	st := r.Status()
	assert.Equal(t, supervisor.StateSucceeded, st.State)
	assert.Equal(t, 1, st.Launches)
	assert.NotEmpty(t, st.Session)
	requireNoSocketFiles(t, dir)
}

func TestRunGivesUpAndRecordsHistory(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "history.db")
	cfg := testConfig(2)
	cfg.History = config.HistoryConfig{DSN: dsn}
	r, dir := newTestRestarter(t, cfg)

	err := r.Run(context.Background(), []string{"sh", "-c", "exit 3"})
	require.ErrorIs(t, err, ErrTooManyRestarts)
	st := r.Status()
	assert.Equal(t, 2, st.Launches)
	assert.Equal(t, 2, st.RestartCount)
	requireNoSocketFiles(t, dir)

	sink, err := sqlite.New(dsn)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(context.Background(), st.Session, history.EventExit)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = sink.Count(context.Background(), st.Session, history.EventGiveUp)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type memorySink struct{ events []history.Event }

func (m *memorySink) Send(_ context.Context, e history.Event) error {
	m.events = append(m.events, e)
	return nil
}

func TestRunExtraHistorySink(t *testing.T) {
	mem := &memorySink{}
	r, _ := newTestRestarter(t, testConfig(1), WithHistorySink(mem))
	require.NoError(t, r.Run(context.Background(), []string{"true"}))

	require.Len(t, mem.events, 2)
	assert.Equal(t, history.EventStart, mem.events[0].Type)
	assert.Equal(t, history.EventExit, mem.events[1].Type)
	assert.Equal(t, "success", mem.events[1].Outcome)
}

func TestRunOperatorEnv(t *testing.T) {
	cfg := testConfig(1)
	cfg.Env = []string{"WLR_TEST_MARKER=yes"}
	r, _ := newTestRestarter(t, cfg)
	err := r.Run(context.Background(), []string{"sh", "-c", `test "$WLR_TEST_MARKER" = yes`})
	assert.NoError(t, err)
}

func TestRunStatusServer(t *testing.T) {
	cfg := testConfig(1)
	cfg.Metrics = config.MetricsConfig{Listen: "127.0.0.1:0", BasePath: "/api"}
	r, _ := newTestRestarter(t, cfg)
	assert.NoError(t, r.Run(context.Background(), []string{"true"}))
}

func TestRunStatusServerBindFailure(t *testing.T) {
	cfg := testConfig(1)
	cfg.Metrics = config.MetricsConfig{Listen: "256.0.0.1:bad"}
	r, dir := newTestRestarter(t, cfg)
	err := r.Run(context.Background(), []string{"true"})
	require.Error(t, err)
	assert.Equal(t, 0, r.Status().Launches)
	requireNoSocketFiles(t, dir)
}

func TestRunBadHistoryDSN(t *testing.T) {
	cfg := testConfig(1)
	cfg.History = config.HistoryConfig{DSN: "redis://localhost"}
	r, dir := newTestRestarter(t, cfg)
	require.Error(t, r.Run(context.Background(), []string{"true"}))
	requireNoSocketFiles(t, dir)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, dir := newTestRestarter(t, testConfig(3))
	err := r.Run(ctx, []string{"sleep", "30"})
	assert.ErrorIs(t, err, context.Canceled)
	requireNoSocketFiles(t, dir)
}
