// Package logging builds the daemon's structured logger on top of
// log/slog, modeled on the teacher's internal/slogutil: a custom
// handler that writes human-readable lines and feeds a bounded
// recorder, plus a LOG_LEVEL env var. Unlike the teacher, there is no
// package-global logger. internal/engine builds one logger/recorder
// pair and keeps only the recorder, which nothing reads back; the
// other components do not log through slog, they publish log:message
// events on the event bus.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Line is one recorded log line, independent of the slog.Record that
// produced it.
type Line struct {
	When      time.Time
	Level     slog.Level
	Component string
	Message   string
}

const maxLines = 2000

// Recorder is a bounded ring buffer of recent log Lines, kept so they
// can be read back without re-parsing stdout.
type Recorder struct {
	mut   sync.Mutex
	lines []Line
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) record(l Line) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.lines = append(r.lines, l)
	if len(r.lines) > maxLines {
		r.lines = r.lines[len(r.lines)-maxLines:]
	}
}

// Since returns every recorded line strictly after t.
func (r *Recorder) Since(t time.Time) []Line {
	r.mut.Lock()
	defer r.mut.Unlock()
	out := make([]Line, 0, len(r.lines))
	for _, l := range r.lines {
		if l.When.After(t) {
			out = append(out, l)
		}
	}
	return out
}

// ParseLevel maps the LOG_LEVEL env var (spec.md §6) onto a
// slog.Level, defaulting to Info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type handler struct {
	level    slog.Level
	out      io.Writer
	recorder *Recorder
	attrs    []slog.Attr
	groups   []string
}

// New builds the process-wide *slog.Logger and its Recorder. Callers
// derive per-component loggers with logger.With("component", name).
func New(level slog.Level, out io.Writer) (*slog.Logger, *Recorder) {
	rec := NewRecorder()
	h := &handler{level: level, out: out, recorder: rec}
	return slog.New(h), rec
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.level }

func (h *handler) Handle(_ context.Context, rec slog.Record) error {
	var sb strings.Builder
	sb.WriteString(rec.Time.Format("2006-01-02T15:04:05.000Z07:00"))
	sb.WriteByte(' ')
	sb.WriteString(levelTag(rec.Level))
	sb.WriteByte(' ')
	sb.WriteString(rec.Message)

	component := ""
	writeAttr := func(a slog.Attr) bool {
		if a.Key == "component" && component == "" {
			component = a.Value.String()
		}
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value.Resolve())
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	rec.Attrs(func(a slog.Attr) bool { return writeAttr(a) })

	line := sb.String()
	if h.recorder != nil {
		h.recorder.record(Line{When: rec.Time, Level: rec.Level, Component: component, Message: rec.Message})
	}
	if h.out != nil {
		fmt.Fprintln(h.out, line)
	}
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func levelTag(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO "
	case l < slog.LevelError:
		return "WARN "
	default:
		return "ERROR"
	}
}
