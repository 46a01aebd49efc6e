package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerRecordsAndWrites(t *testing.T) {
	var buf bytes.Buffer
	logger, rec := New(slog.LevelInfo, &buf)
	comp := logger.With("component", "differ")
	comp.Info("scan started", "job_id", "j1")

	if !strings.Contains(buf.String(), "scan started") {
		t.Fatalf("expected output to contain message, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "job_id=j1") {
		t.Fatalf("expected attr in output, got %q", buf.String())
	}

	lines := rec.Since(time.Time{})
	if len(lines) != 1 {
		t.Fatalf("expected 1 recorded line, got %d", len(lines))
	}
	if lines[0].Component != "differ" {
		t.Fatalf("expected component=differ, got %q", lines[0].Component)
	}

	comp.Debug("should not appear")
	if len(rec.Since(time.Time{})) != 1 {
		t.Fatal("debug line should have been filtered by level")
	}
}

func TestRecorderBounded(t *testing.T) {
	rec := NewRecorder()
	for i := 0; i < maxLines+10; i++ {
		rec.record(Line{When: time.Now(), Message: "x"})
	}
	if len(rec.Since(time.Time{})) != maxLines {
		t.Fatalf("expected recorder capped at %d, got %d", maxLines, len(rec.Since(time.Time{})))
	}
}
