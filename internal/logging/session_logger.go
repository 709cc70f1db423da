package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler dispatching every record to two handlers.
// Used by NewEventLogger to write simultaneously to the global handler and
// the event's dedicated session log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the event's session log must not silence the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewEventLogger returns a logger that writes to both baseLogger and a
// dedicated file at {eventDir}/session.log, at debug level, for the
// duration of one recording session. Returns the enriched logger and an
// io.Closer that MUST be called (defer) when the event finishes.
//
// If eventDir is empty this is a no-op returning baseLogger unmodified.
func NewEventLogger(baseLogger *slog.Logger, eventDir string) (*slog.Logger, io.Closer, error) {
	if eventDir == "" {
		return baseLogger, io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(eventDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating event directory %s: %w", eventDir, err)
	}

	logPath := filepath.Join(eventDir, "session.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening session log file %s: %w", logPath, err)
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, nil
}

// RemoveEventLog removes a finished event's session log file. No-op if
// eventDir is empty or the file does not exist.
func RemoveEventLog(eventDir string) {
	if eventDir == "" {
		return
	}
	os.Remove(filepath.Join(eventDir, "session.log"))
}
