package security

import (
	"context"
	"log/slog"
)

// LogHandler decorates an slog.Handler so that records logged with a context
// carry the active tenant and user.
type LogHandler struct {
	next    slog.Handler
	enabled bool
}

// NewLogHandler wraps next. When enabled is false records pass unchanged.
func NewLogHandler(next slog.Handler, enabled bool) *LogHandler {
	return &LogHandler{next: next, enabled: enabled}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.enabled && ctx != nil {
		if sc := FromContext(ctx); sc != nil {
			r = r.Clone()
			r.AddAttrs(slog.String("tenant", sc.tenant), slog.String("user", sc.actor))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{next: h.next.WithAttrs(attrs), enabled: h.enabled}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{next: h.next.WithGroup(name), enabled: h.enabled}
}
