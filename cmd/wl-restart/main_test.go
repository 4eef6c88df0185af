package main

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/loykin/wl-restart/internal/config"
	"github.com/loykin/wl-restart/internal/handoff"
	"github.com/loykin/wl-restart/internal/process"
)

// Launches re-execute the test binary as the shim.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == process.ShimCommand {
		os.Exit(execShim(os.Args[2:], os.Stderr))
	}
	os.Exit(m.Run())
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errb bytes.Buffer
	code := run(context.Background(), args, &out, &errb)
	return code, out.String(), errb.String()
}

func TestHelpExitsZero(t *testing.T) {
	code, out, _ := runCLI(t, "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "wl-restart [[options] --] <compositor args>")
	assert.Contains(t, out, "restarts your compositor when it")
	assert.Contains(t, out, "--max-restarts")
	assert.Contains(t, out, "--systemd")
}

func TestNoArgsPrintsHelp(t *testing.T) {
	isolate(t)
	code, out, _ := runCLI(t)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "compositor restart helper")

	code, out, _ = runCLI(t, "-n", "3")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Usage:")
}

func TestUnknownOption(t *testing.T) {
	code, _, errOut := runCLI(t, "--bogus", "sway")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "error: unknown flag: --bogus, see --help")
}

func TestOptionNeedsArgument(t *testing.T) {
	code, _, errOut := runCLI(t, "-n")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "flag needs an argument")
}

func parse(t *testing.T, args ...string) (*pflag.FlagSet, *RootFlags) {
	t.Helper()
	rf := &RootFlags{}
	fs := pflag.NewFlagSet("wl-restart", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	addFlags(fs, rf)
	require.NoError(t, fs.Parse(args))
	return fs, rf
}

func TestModeFlagsLastWins(t *testing.T) {
	_, rf := parse(t, "--systemd", "--kde", "--env", "sway")
	assert.Equal(t, handoff.ModeEnv.String(), rf.Mode)

	_, rf = parse(t, "--cli", "--cli=false", "sway")
	assert.Equal(t, "", rf.Mode)

	_, rf = parse(t, "sway")
	assert.Equal(t, "", rf.Mode)
}

func TestCompositorArgsAreNotParsed(t *testing.T) {
	fs, _ := parse(t, "-n", "2", "kwin_wayland", "--xwayland", "-n", "9")
	assert.Equal(t, []string{"kwin_wayland", "--xwayland", "-n", "9"}, fs.Args())

	fs, _ = parse(t, "--", "--weird-compositor")
	assert.Equal(t, []string{"--weird-compositor"}, fs.Args())
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("WL_RESTART_MAX_RESTARTS", "7")
	t.Setenv("WL_RESTART_LOG_LEVEL", "debug")
	fs, rf := parse(t, "-n", "3", "--systemd", "--setenv", "A=1", "--setenv", "B=2", "sway")

	v := config.NewViper()
	require.NoError(t, bindFlags(v, fs, rf))
	cfg, err := config.Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxRestarts)
	assert.Equal(t, handoff.ModeSystemd, cfg.Mode)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"A=1", "B=2"}, cfg.Env)
	assert.Equal(t, unix.SIGHUP, cfg.ReloadSignal)
}

func TestRunCleanExit(t *testing.T) {
	isolate(t)
	code, _, errOut := runCLI(t, "--env", "--", "sh", "-c", `test -n "$WAYLAND_SOCKET_NAME"`)
	assert.Equal(t, 0, code, errOut)
	assert.Contains(t, errOut, "compositor exited successfully")
}

func TestRunTooManyRestarts(t *testing.T) {
	isolate(t)
	code, _, errOut := runCLI(t, "-n", "1", "--log-format", "json", "--", "sh", "-c", "exit 4")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "error: too many restarts")
}

func TestRunInvalidConfig(t *testing.T) {
	isolate(t)
	code, _, errOut := runCLI(t, "--reload-signal", "SIGKILL", "--", "true")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "error:")
	assert.Contains(t, errOut, "reload_signal")

	code, _, errOut = runCLI(t, "--log-level", "loud", "--", "true")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown level")
}

func TestExecShimRejectsBadArgs(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, process.ExitExecFailed, execShim([]string{"--mode", "bogus", "--fd", "3", "--", "true"}, &buf))
	assert.Contains(t, buf.String(), "error:")
}
