// Package logger provides structured logging on top of log/slog with a
// package-level logger shared by the server, the client, and the binaries.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"
)

// Fields holds structured key/value pairs attached to a log line.
type Fields map[string]any

var (
	mu      sync.RWMutex
	current = New(os.Stderr)
)

// New returns a text logger writing INFO and above to w.
func New(w io.Writer) *slog.Logger {
	return NewWithLevel(w, slog.LevelInfo)
}

// NewWithLevel returns a text logger writing records at or above level to w.
func NewWithLevel(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	}))
}

// SetLogger replaces the package-level logger.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	current = l
	mu.Unlock()
}

func active() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Debug logs at DEBUG level.
func Debug(ctx context.Context, msg string, fields Fields) {
	logAt(ctx, slog.LevelDebug, 3, msg, fields)
}

// Info logs at INFO level.
func Info(ctx context.Context, msg string, fields Fields) {
	logAt(ctx, slog.LevelInfo, 3, msg, fields)
}

// Warn logs at WARN level.
func Warn(ctx context.Context, msg string, fields Fields) {
	logAt(ctx, slog.LevelWarn, 3, msg, fields)
}

// Error logs at ERROR level with err attached under the "error" key.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	merged := make(Fields, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
	}
	logAt(ctx, slog.LevelError, 3, msg, merged)
}

// LogAt logs at level, attributing the record to the caller skip frames above
// the caller of LogAt.
func LogAt(level slog.Level, skip int, msg string, fields Fields) {
	logAt(context.Background(), level, 3+skip, msg, fields)
}

func logAt(ctx context.Context, level slog.Level, skip int, msg string, fields Fields) {
	if ctx == nil {
		ctx = context.Background()
	}
	l := active()
	if !l.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(skip, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(attrs(fields)...)
	_ = l.Handler().Handle(ctx, r) //nolint:errcheck // nowhere to report a failed log write
}

// attrs converts fields to attributes in sorted key order so output is stable.
func attrs(fields Fields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}
