package logger

import (
	"context"
	"errors"
	"log/slog"
)

// fanout delivers each record to every destination that accepts its level:
// the console, the rotating file and the journal.
type fanout []slog.Handler

// Fanout combines destinations into one handler. Nil entries are dropped
// and nested fanouts flattened; a single destination is returned as is.
func Fanout(handlers ...slog.Handler) slog.Handler {
	var out fanout
	for _, h := range handlers {
		switch h := h.(type) {
		case nil:
		case fanout:
			out = append(out, h...)
		default:
			out = append(out, h)
		}
	}
	switch len(out) {
	case 0:
		return slog.DiscardHandler
	case 1:
		return out[0]
	}
	return out
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle keeps going when a destination fails, so an unreachable journal
// never hides a record from the console. The errors are joined.
func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		err = errors.Join(err, h.Handle(ctx, r.Clone()))
	}
	return err
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return f
	}
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) derive(fn func(slog.Handler) slog.Handler) fanout {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = fn(h)
	}
	return out
}
