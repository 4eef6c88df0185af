package main

import (
	"strconv"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/wl-restart/internal/config"
	"github.com/loykin/wl-restart/internal/handoff"
)

// RootFlags holds values that are not routed through viper.
type RootFlags struct {
	ConfigPath string
	Mode       string // set by the last of --kde, --cli, --env, --systemd
}

// modeFlag is a boolean switch that selects one handoff mode. All mode
// switches share one target, so the last one on the command line wins.
type modeFlag struct {
	target *string
	mode   handoff.Mode
}

func (f *modeFlag) String() string {
	if f.target == nil {
		return "false"
	}
	return strconv.FormatBool(*f.target == f.mode.String())
}

func (f *modeFlag) Set(s string) error {
	on, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	switch {
	case on:
		*f.target = f.mode.String()
	case *f.target == f.mode.String():
		*f.target = ""
	}
	return nil
}

func (f *modeFlag) Type() string     { return "bool" }
func (f *modeFlag) IsBoolFlag() bool { return true }

var modeUsage = []struct {
	mode  handoff.Mode
	usage string
}{
	{handoff.ModeKDE, "pass socket via cli options --socket and --wayland-fd (default)"},
	{handoff.ModeCLI, "pass socket via cli options --wayland-socket and --wayland-fd"},
	{handoff.ModeEnv, "pass socket via env vars WAYLAND_SOCKET_NAME and WAYLAND_SOCKET_FD"},
	{handoff.ModeSystemd, "pass socket via env vars LISTEN_PID, LISTEN_FDS, and LISTEN_FDNAMES"},
}

// flagKeys maps flags onto the config keys they override.
var flagKeys = map[string]string{
	"max-restarts":         config.KeyMaxRestarts,
	"export-restart-count": config.KeyExportRestartCount,
	"soft-reset-signal":    config.KeySoftResetSignal,
	"reload-signal":        config.KeyReloadSignal,
	"setenv":               config.KeyEnv,
	"env-file":             config.KeyEnvFiles,
	"log-level":            config.KeyLogLevel,
	"log-format":           config.KeyLogFormat,
	"log-file":             config.KeyLogFile,
	"log-journal":          config.KeyLogJournal,
	"metrics-listen":       config.KeyMetricsListen,
	"metrics-base-path":    config.KeyMetricsBasePath,
	"history-dsn":          config.KeyHistoryDSN,
}

func addFlags(fs *pflag.FlagSet, rf *RootFlags) {
	fs.IntP("max-restarts", "n", config.DefaultMaxRestarts, "restart a maximum of N times")
	for _, m := range modeUsage {
		f := fs.VarPF(&modeFlag{target: &rf.Mode, mode: m.mode}, m.mode.String(), "", m.usage)
		f.NoOptDefVal = "true"
	}

	fs.StringVar(&rf.ConfigPath, "config", "", "path to TOML config file (default $XDG_CONFIG_HOME/wl-restart/config.toml)")
	fs.Bool("export-restart-count", true, "export WL_RESTART_COUNT to restarted compositors")
	fs.String("soft-reset-signal", "SIGTRAP", "compositor death by this signal resets the restart counter")
	fs.String("reload-signal", "SIGHUP", "signal that restarts the compositor")
	fs.StringArray("setenv", nil, "set KEY=VALUE in the compositor environment (repeatable)")
	fs.StringArray("env-file", nil, "read KEY=VALUE lines for the compositor environment (repeatable)")

	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "text", "log format: text or json")
	fs.String("log-file", "", "also write JSON logs to this file, rotated")
	fs.Bool("log-journal", false, "also log to the systemd journal when available")

	fs.String("metrics-listen", "", "serve /status and /metrics on this address (e.g. 127.0.0.1:9750)")
	fs.String("metrics-base-path", "", "path prefix for the status endpoints")
	fs.String("history-dsn", "", "record lifecycle events: sqlite path, postgres://, clickhouse:// or opensearch:// DSN")
}

// bindFlags routes flags through v. Only flags given on the command line
// take precedence over environment and config file values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, rf *RootFlags) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return err
		}
	}
	if rf.Mode != "" {
		v.Set(config.KeyMode, rf.Mode)
	}
	return nil
}
