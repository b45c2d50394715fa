package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

type Logger struct {
	format    Format
	out       io.Writer
	text      *log.Logger
	component string
	mu        sync.Mutex
	level     Level
}

var (
	defaultLogger = New(FormatText)
	stdoutMu      sync.Mutex
)

func ParseFormat(raw string) (Format, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return FormatText, nil
	}
	switch raw {
	case "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (expected text or json)", raw)
	}
}

func ParseLevel(raw string) (Level, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	switch raw {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unsupported log level %q (expected debug, info, warn or error)", raw)
	}
}

func Setup(raw string) (*Logger, error) {
	format, err := ParseFormat(raw)
	if err != nil {
		return nil, err
	}
	logger := New(format)
	SetDefault(logger)
	return logger, nil
}

func New(format Format) *Logger {
	out := os.Stderr
	if format == FormatJSON {
		out = os.Stdout
	}
	return NewWithWriter(format, out)
}

func NewWithWriter(format Format, out io.Writer) *Logger {
	return &Logger{
		format:    format,
		out:       out,
		text:      log.New(out, "", log.LstdFlags),
		component: "geoingest",
		level:     LevelInfo,
	}
}

func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultLogger = l
}

func Default() *Logger {
	return defaultLogger
}

func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// With returns a logger that tags JSON lines with component.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	level := l.level
	l.mu.Unlock()
	return &Logger{
		format:    l.format,
		out:       l.out,
		text:      log.New(l.out, "["+component+"] ", log.LstdFlags),
		component: component,
		level:     level,
	}
}

func Debugf(format string, args ...any) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Debugf(format, args...)
}

func Infof(format string, args ...any) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Infof(format, args...)
}

func Warnf(format string, args ...any) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Errorf(format, args...)
}

func Fatalf(format string, args ...any) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Fatalf(format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, fmt.Sprintf(format, args...))
}

func (l *Logger) Fatalf(format string, args ...any) {
	l.log(LevelError, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (l *Logger) log(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	threshold := l.level
	l.mu.Unlock()
	if level < threshold {
		return
	}

	if l.format == FormatText {
		l.text.Printf("%s %s", strings.ToUpper(level.String()), message)
		return
	}

	fields := map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level.String(),
		"msg":       message,
		"component": l.component,
	}
	if l.out == os.Stdout {
		WriteJSONLineStdout(fields)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	writeJSONLine(l.out, fields)
}

func WriteJSONLineStdout(fields map[string]any) {
	stdoutMu.Lock()
	defer stdoutMu.Unlock()
	writeJSONLine(os.Stdout, fields)
}

func writeJSONLine(w io.Writer, fields map[string]any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(fields)
}
