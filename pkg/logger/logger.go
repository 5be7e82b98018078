// Package logger provides component-scoped structured logging backed by
// log/slog. Call sites pass a component name and an optional field map:
//
//	logger.InfoCF("engine", "Turn completed", map[string]any{"thread_id": id})
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

type Level = slog.Level

const (
	DEBUG = slog.LevelDebug
	INFO  = slog.LevelInfo
	WARN  = slog.LevelWarn
	ERROR = slog.LevelError
)

// Options configures the global logger.
type Options struct {
	Level  string
	Format string // "json" or "text"
	Writer io.Writer
}

type state struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

var current atomic.Pointer[state]

func init() {
	_ = Configure(Options{Level: "info", Format: "text"})
}

// Configure replaces the global logger.
func Configure(opts Options) error {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(lvl)
	handlerOpts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text", "console":
		handler = slog.NewTextHandler(w, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		return fmt.Errorf("unsupported log format %q", opts.Format)
	}
	current.Store(&state{logger: slog.New(handler), level: levelVar})
	return nil
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return INFO, nil
	case "debug":
		return DEBUG, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", name)
	}
}

// SetLevel changes the minimum level of the global logger.
func SetLevel(level Level) {
	current.Load().level.Set(level)
}

// Slog exposes the underlying logger for libraries that accept *slog.Logger.
func Slog() *slog.Logger {
	return current.Load().logger
}

func log(level Level, component, msg string, fields map[string]any) {
	l := current.Load().logger
	if !l.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	if component != "" {
		attrs = append(attrs, slog.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	l.LogAttrs(context.Background(), level, msg, attrs...)
}

func Debug(msg string) { log(DEBUG, "", msg, nil) }
func DebugC(component, msg string) { log(DEBUG, component, msg, nil) }
func DebugCF(component, msg string, fields map[string]any) { log(DEBUG, component, msg, fields) }
func Info(msg string) { log(INFO, "", msg, nil) }
func InfoC(component, msg string) { log(INFO, component, msg, nil) }
func InfoCF(component, msg string, fields map[string]any) { log(INFO, component, msg, fields) }
func Warn(msg string) { log(WARN, "", msg, nil) }
func WarnC(component, msg string) { log(WARN, component, msg, nil) }
func WarnCF(component, msg string, fields map[string]any) { log(WARN, component, msg, fields) }
func Error(msg string) { log(ERROR, "", msg, nil) }
func ErrorC(component, msg string) { log(ERROR, component, msg, nil) }
func ErrorCF(component, msg string, fields map[string]any) { log(ERROR, component, msg, fields) }
