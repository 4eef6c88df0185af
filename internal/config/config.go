package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/loykin/wl-restart/internal/handoff"
)

// EnvPrefix prefixes environment overrides, e.g. WL_RESTART_MAX_RESTARTS.
const EnvPrefix = "WL_RESTART"

// Keys shared by the config file, environment overrides and CLI flag bindings.
const (
	KeyMaxRestarts        = "max_restarts"
	KeyMode               = "mode"
	KeyExportRestartCount = "export_restart_count"
	KeySoftResetSignal    = "soft_reset_signal"
	KeyReloadSignal       = "reload_signal"
	KeyEnv                = "env"
	KeyEnvFiles           = "env_files"
	KeyLogLevel           = "log.level"
	KeyLogFormat          = "log.format"
	KeyLogFile            = "log.file"
	KeyLogMaxSizeMB       = "log.max_size_mb"
	KeyLogMaxBackups      = "log.max_backups"
	KeyLogMaxAgeDays      = "log.max_age_days"
	KeyLogCompress        = "log.compress"
	KeyLogJournal         = "log.journal"
	KeyMetricsListen      = "metrics.listen"
	KeyMetricsBasePath    = "metrics.base_path"
	KeyHistoryDSN         = "history.dsn"
)

// DefaultMaxRestarts is the crash budget when nothing else is configured.
const DefaultMaxRestarts = 10

var ErrInvalid = errors.New("invalid configuration")

// FileConfig represents the TOML structure.
type FileConfig struct {
	MaxRestarts        int           `toml:"max_restarts" mapstructure:"max_restarts"`
	Mode               string        `toml:"mode" mapstructure:"mode"`
	ExportRestartCount bool          `toml:"export_restart_count" mapstructure:"export_restart_count"`
	SoftResetSignal    string        `toml:"soft_reset_signal" mapstructure:"soft_reset_signal"`
	ReloadSignal       string        `toml:"reload_signal" mapstructure:"reload_signal"`
	Env                []string      `toml:"env" mapstructure:"env"`
	EnvFiles           []string      `toml:"env_files" mapstructure:"env_files"`
	Log                LogConfig     `toml:"log" mapstructure:"log"`
	Metrics            MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History            HistoryConfig `toml:"history" mapstructure:"history"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	Journal    bool   `toml:"journal" mapstructure:"journal"`
}

type MetricsConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// Config is the validated configuration the supervisor runs with.
type Config struct {
	MaxRestarts        int
	Mode               handoff.Mode
	ExportRestartCount bool
	SoftResetSignal    unix.Signal
	ReloadSignal       unix.Signal
	// Env holds operator variables for the compositor: env_files in order,
	// then env entries.
	Env     []string
	Log     LogConfig
	Metrics MetricsConfig
	History HistoryConfig
}

// NewViper returns a viper instance with defaults and environment overrides
// installed. CLI flags are bound to it by the caller before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyMaxRestarts, DefaultMaxRestarts)
	v.SetDefault(KeyMode, handoff.ModeKDE.String())
	v.SetDefault(KeyExportRestartCount, true)
	v.SetDefault(KeySoftResetSignal, "SIGTRAP")
	v.SetDefault(KeyReloadSignal, "SIGHUP")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyLogMaxSizeMB, 10)
	v.SetDefault(KeyLogMaxBackups, 3)
	v.SetDefault(KeyLogMaxAgeDays, 7)
	v.SetDefault(KeyLogJournal, false)
	v.SetDefault(KeyMetricsListen, "")
	v.SetDefault(KeyMetricsBasePath, "")
	v.SetDefault(KeyHistoryDSN, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultPath returns $XDG_CONFIG_HOME/wl-restart/config.toml, or "" when
// the user config directory is unknown.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "wl-restart", "config.toml")
}

// Load reads path into v and validates the result. An empty path falls back
// to DefaultPath when that file exists; an explicit path must exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		if p := DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return fc.resolve()
}

func (fc FileConfig) resolve() (*Config, error) {
	if fc.MaxRestarts < 0 {
		return nil, fmt.Errorf("%w: %s must not be negative: %d", ErrInvalid, KeyMaxRestarts, fc.MaxRestarts)
	}
	mode, err := handoff.ParseMode(fc.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, KeyMode, err)
	}
	soft, err := ParseSignal(fc.SoftResetSignal)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, KeySoftResetSignal, err)
	}
	reload, err := ParseSignal(fc.ReloadSignal)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, KeyReloadSignal, err)
	}
	switch reload {
	case unix.SIGINT, unix.SIGTERM, unix.SIGKILL, unix.SIGSTOP:
		return nil, fmt.Errorf("%w: %s cannot be %s", ErrInvalid, KeyReloadSignal, unix.SignalName(reload))
	}

	var envv []string
	for _, p := range fc.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
		envv = append(envv, pairs...)
	}
	envv = append(envv, fc.Env...)

	return &Config{
		MaxRestarts:        fc.MaxRestarts,
		Mode:               mode,
		ExportRestartCount: fc.ExportRestartCount,
		SoftResetSignal:    soft,
		ReloadSignal:       reload,
		Env:                envv,
		Log:                fc.Log,
		Metrics:            fc.Metrics,
		History:            fc.History,
	}, nil
}

// ParseSignal accepts "SIGHUP", "HUP" (any case) or a signal number.
func ParseSignal(s string) (unix.Signal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty signal")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || unix.SignalName(unix.Signal(n)) == "" {
			return 0, fmt.Errorf("unknown signal %d", n)
		}
		return unix.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", s)
	}
	return sig, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
