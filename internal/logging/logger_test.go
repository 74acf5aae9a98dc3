package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		" WARN ": slog.LevelWarn,
		"error":  slog.LevelError,
		"info":   slog.LevelInfo,
		"loud":   slog.LevelInfo,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestHandlerLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewHandlerLogger(&buf, "warn")
	logger.Info("dropped")
	logger.Warn("kept", "stage", "REVIEW")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec["msg"] != "kept" || rec["stage"] != "REVIEW" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "stageflow.log")
	logger, err := New(path, "info")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Printf("serving on %s\n", "127.0.0.1:8765")
	logger.Slog().Debug("hidden")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "serving on 127.0.0.1:8765") {
		t.Fatalf("log missing Printf line: %q", data)
	}
	if strings.Contains(string(data), "hidden") {
		t.Fatalf("debug record should be filtered: %q", data)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Printf("ignored")
	logger.Slog().Info("ignored")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close on nil: %v", err)
	}
}
