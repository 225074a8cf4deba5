package log

import (
	"context"
	"io"
	"log/slog"
)

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

// NewTerminalHandlerWithLevel returns a text handler that emits records at or
// above lvl. Source locations are added when verbose is set.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level, verbose bool) slog.Handler {
	return slog.NewTextHandler(wr, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: verbose && lvl <= LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok {
					return slog.String(slog.LevelKey, LevelAlignedString(l))
				}
			}
			return a
		},
	})
}

// NewJSONHandlerWithLevel is the machine readable counterpart of
// NewTerminalHandlerWithLevel, used for profiling runs.
func NewJSONHandlerWithLevel(wr io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewJSONHandler(wr, &slog.HandlerOptions{Level: lvl})
}
