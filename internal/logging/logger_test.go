package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureWriter struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.WriteString(string(p))
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestConsoleHandlerRendersComponentAndFields(t *testing.T) {
	out := &captureWriter{}
	levelVar := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(out, levelVar, false))

	NewComponentLogger(logger, "jobqueue").Info("job enqueued",
		String(FieldDevice, "sda1"),
		Int("pending", 1),
	)

	line := out.String()
	if !strings.Contains(line, "INF") {
		t.Fatalf("missing level tag: %q", line)
	}
	if !strings.Contains(line, "jobqueue") {
		t.Fatalf("missing component: %q", line)
	}
	if !strings.Contains(line, "device=sda1") || !strings.Contains(line, "pending=1") {
		t.Fatalf("missing fields: %q", line)
	}
}

func TestConsoleHandlerQuotesValuesWithSpaces(t *testing.T) {
	out := &captureWriter{}
	levelVar := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(out, levelVar, false))

	logger.Warn("status", String("message", "no files found"))
	if !strings.Contains(out.String(), `message="no files found"`) {
		t.Fatalf("expected quoted value, got %q", out.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NewNop()
	// Must not panic and must report disabled at every level.
	logger.Info("ignored", Time("at", time.Now()))
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("nop logger should be disabled")
	}
}
