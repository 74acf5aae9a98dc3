package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Logger writes structured records to .stageflow/logs/stageflow.log so users
// can inspect routing decisions after the host session is gone.
type Logger struct {
	file *os.File
	slog *slog.Logger
}

// New creates (or reuses) the log file at path. Records below level are
// dropped.
func New(path, level string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f, slog: NewHandlerLogger(f, level)}, nil
}

// NewHandlerLogger returns a JSON slog logger writing to w.
func NewHandlerLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a config level name to a slog level. Unknown names are
// treated as info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Slog returns the structured logger. A nil Logger yields a discarding one.
func (l *Logger) Slog() *slog.Logger {
	if l == nil || l.slog == nil {
		return Discard()
	}
	return l.slog
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single info record to the log file.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.slog == nil {
		return
	}
	l.slog.Info(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}
