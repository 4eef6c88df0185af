package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	"golang.org/x/term"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for the log file.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Identifier is the SYSLOG_IDENTIFIER used for journal records.
const Identifier = "wl-restart"

var ErrInvalidConfig = errors.New("invalid log config")

// Config describes where supervisor logs go.
// Records always reach the console writer; File adds a rotated copy and
// Journal forwards to systemd-journald when it is reachable.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string // debug, info, warn or error
	Format     string // text or json
	File       string // optional log file
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
	Journal    bool
}

// New builds a logger writing to console and to whatever cfg enables.
// The returned closer releases the log file, if any.
func New(cfg Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", FormatText:
		if isTerminal(console) {
			handlers = append(handlers, NewColorTextHandler(console, opts, true))
		} else {
			handlers = append(handlers, slog.NewTextHandler(console, opts))
		}
	case FormatJSON:
		handlers = append(handlers, slog.NewJSONHandler(console, opts))
	default:
		return nil, nil, fmt.Errorf("%w: unknown format %q", ErrInvalidConfig, cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	if fw := cfg.Writer(); fw != nil {
		handlers = append(handlers, slog.NewJSONHandler(fw, opts))
		closer = fw
	}
	if cfg.Journal && journal.Enabled() {
		handlers = append(handlers, NewJournalHandler(level))
	}

	return slog.New(Fanout(handlers...)), closer, nil
}

// Writer returns a rotating writer for cfg.File, or nil when no file is set.
func (c Config) Writer() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ParseLevel maps a level name onto slog. An empty name means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: unknown level %q", ErrInvalidConfig, s)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
