package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	globalLevel = slog.LevelInfo
	levelMutex  sync.RWMutex
)

// sipgoWriter wraps an output and reformats the JSON log lines sipgo's
// internal logger emits so they match our own format.
type sipgoWriter struct {
	base io.Writer
}

func (w *sipgoWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if !strings.HasPrefix(line, "{") {
		return w.base.Write(p)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := entry["level"]; ok {
		level = fmt.Sprint(lv)
	}
	message := "unknown"
	if msg, ok := entry["message"]; ok {
		message = fmt.Sprint(msg)
	}
	timestamp := time.Now().Format("15:04:05")
	if t, ok := entry["time"]; ok {
		if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			timestamp = ts.Format("15:04:05")
		}
	}

	var attrs []string
	for k, v := range entry {
		if k != "level" && k != "message" && k != "time" && k != "caller" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
		}
	}

	formatted := fmt.Sprintf("[%s] [%s] %s", timestamp, strings.ToUpper(level), message)
	if len(attrs) > 0 {
		formatted += " " + strings.Join(attrs, " ")
	}
	formatted += "\n"
	return w.base.Write([]byte(formatted))
}

// SetLevel sets the global log level.
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMutex.Lock()
	defer levelMutex.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string.
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

// textHandler writes human-readable lines to one or more outputs with
// global level filtering.
type textHandler struct {
	outs []io.Writer
	mu   sync.Mutex
}

// Handle implements slog.Handler.
func (h *textHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelMutex.RLock()
	if record.Level < globalLevel {
		levelMutex.RUnlock()
		return nil
	}
	levelMutex.RUnlock()

	timestamp := record.Time.Format("15:04:05")
	levelStr := record.Level.String()
	message := record.Message

	var attrs []string
	record.Attrs(func(a slog.Attr) bool {
		if a.Key != "time" && a.Key != "level" && a.Key != "msg" {
			attrs = append(attrs, a.Key+"="+a.Value.String())
		}
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	formatted := "[" + timestamp + "] [" + strings.ToUpper(levelStr) + "] " + message + "\n"
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write([]byte(formatted))
		}
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

// WithGroup implements slog.Handler.
func (h *textHandler) WithGroup(name string) slog.Handler {
	return h
}

// Enabled implements slog.Handler.
func (h *textHandler) Enabled(ctx context.Context, level slog.Level) bool {
	levelMutex.RLock()
	defer levelMutex.RUnlock()
	return level >= globalLevel
}

// InitLogger installs the global logger on one or more output writers.
// Each output is wrapped so sipgo's JSON log lines come out in the same
// shape as ours.
func InitLogger(outputs ...io.Writer) {
	wrapped := make([]io.Writer, len(outputs))
	for i, out := range outputs {
		wrapped[i] = &sipgoWriter{base: out}
	}
	slog.SetDefault(slog.New(&textHandler{outs: wrapped}))
}
