// Package logger configures the process-wide slog logger with level
// filtering and support for multiple outputs at independent levels
// (e.g. info to stdout, debug to a file).
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	globalLevel = slog.LevelInfo
	levelMutex  sync.RWMutex
)

// SetLevel sets the global log level from a string.
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMutex.Lock()
	defer levelMutex.Unlock()
	globalLevel = level
}

// GetLevel returns the current global log level as a string.
func GetLevel() string {
	levelMutex.RLock()
	defer levelMutex.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level. Unknown strings fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler writes formatted records to several outputs, each with
// its own minimum level, on top of the global level filter.
type multiHandler struct {
	outputs map[io.Writer]slog.Level
	attrs   []slog.Attr
	mu      *sync.Mutex
}

// NewMultiHandler creates an slog.Handler with per-output levels.
func NewMultiHandler(outputs map[io.Writer]slog.Level) slog.Handler {
	return &multiHandler{
		outputs: outputs,
		mu:      &sync.Mutex{},
	}
}

// Handle implements slog.Handler.
func (h *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	levelMutex.RLock()
	if record.Level < globalLevel {
		levelMutex.RUnlock()
		return nil
	}
	levelMutex.RUnlock()

	timestamp := record.Time.Format("15:04:05.000")
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(timestamp)
	sb.WriteString("] [")
	sb.WriteString(strings.ToUpper(record.Level.String()))
	sb.WriteString("] ")
	sb.WriteString(record.Message)

	for _, a := range h.attrs {
		sb.WriteString(" ")
		sb.WriteString(a.Key)
		sb.WriteString("=")
		sb.WriteString(a.Value.String())
	}
	record.Attrs(func(a slog.Attr) bool {
		sb.WriteString(" ")
		sb.WriteString(a.Key)
		sb.WriteString("=")
		sb.WriteString(a.Value.String())
		return true
	})
	sb.WriteString("\n")
	line := []byte(sb.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	for out, outLevel := range h.outputs {
		if record.Level >= outLevel && out != nil {
			_, _ = out.Write(line)
		}
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &multiHandler{outputs: h.outputs, attrs: merged, mu: h.mu}
}

// WithGroup implements slog.Handler. Groups are flattened; the relay's
// logging is shallow key-value pairs.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	return h
}

// Enabled implements slog.Handler.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	levelMutex.RLock()
	defer levelMutex.RUnlock()
	if level < globalLevel {
		return false
	}
	for _, outLevel := range h.outputs {
		if level >= outLevel {
			return true
		}
	}
	return false
}

// Init installs the default logger writing to the given outputs at the
// global level.
func Init(outputs ...io.Writer) {
	levels := make(map[io.Writer]slog.Level, len(outputs))
	for _, out := range outputs {
		levels[out] = slog.LevelDebug
	}
	InitWithLevels(levels)
}

// InitWithLevels installs the default logger with an independent
// minimum level per output.
func InitWithLevels(outputs map[io.Writer]slog.Level) {
	slog.SetDefault(slog.New(NewMultiHandler(outputs)))
}
