// Package testlog provides a go-ethereum log.Logger that writes through
// testing.T, so log output from a failing test is attributed to that
// test and silenced by `go test` on success.
package testlog

import (
	"context"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/log"
)

type handler struct {
	t     testing.TB
	level slog.Level
	attrs []slog.Attr
}

func (h *handler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= h.level
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	attrs := make([]any, 0, r.NumAttrs()*2+len(h.attrs)*2)
	for _, a := range h.attrs {
		attrs = append(attrs, a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a.Key, a.Value.Any())
		return true
	})
	h.t.Logf("%-5s %s %v", r.Level, r.Message, attrs)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{t: h.t, level: h.level, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return h // groups are not expected in test logs; keep attrs flat
}

// Logger returns a log.Logger that routes records through t.Logf, capped
// at the given verbosity level.
func Logger(t testing.TB, lvl log.Lvl) log.Logger {
	return log.NewLogger(&handler{t: t, level: slogLevel(lvl)})
}

func slogLevel(lvl log.Lvl) slog.Level {
	switch lvl {
	case log.LvlCrit, log.LvlError:
		return slog.LevelError
	case log.LvlWarn:
		return slog.LevelWarn
	case log.LvlInfo:
		return slog.LevelInfo
	case log.LvlDebug, log.LvlTrace:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
