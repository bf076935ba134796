// Package logging provides the structured logger used by every governor
// component.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
)

// Logger interface for structured logging with trace support
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})

	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})
	DebugContext(ctx context.Context, msg string, fields ...interface{})

	WithTraceID(traceID string) Logger
	WithComponent(component string) Logger
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	File      string                 `json:"file,omitempty"`
	Line      int                    `json:"line,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// ContextKey represents keys used in context for trace IDs
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
)

// LogLevel represents logging levels
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Format selects the output encoding
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// sink is shared by a logger and every logger derived from it so writes
// from WithComponent children never interleave.
type sink struct {
	mu  sync.Mutex
	out io.Writer
}

// StructuredLogger writes JSON lines or colored text lines
type StructuredLogger struct {
	level     LogLevel
	traceID   string
	component string
	format    Format
	sink      *sink
}

// NewLogger creates a logger writing to stdout. LOG_FORMAT=text switches to
// colored text output.
func NewLogger(level LogLevel) Logger {
	format := FormatJSON
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), string(FormatText)) {
		format = FormatText
	}
	return NewLoggerWithWriter(level, format, os.Stdout)
}

// NewLoggerWithWriter creates a logger writing to out in the given format
func NewLoggerWithWriter(level LogLevel, format Format, out io.Writer) Logger {
	if format != FormatText {
		format = FormatJSON
	}
	return &StructuredLogger{
		level:  level,
		format: format,
		sink:   &sink{out: out},
	}
}

// WithTraceID creates a new logger with a trace ID
func (l *StructuredLogger) WithTraceID(traceID string) Logger {
	clone := *l
	clone.traceID = traceID
	return &clone
}

// WithComponent creates a new logger with a component name
func (l *StructuredLogger) WithComponent(component string) Logger {
	clone := *l
	clone.component = component
	return &clone
}

func (l *StructuredLogger) Info(msg string, fields ...interface{}) {
	l.log(INFO, msg, "", fields...)
}

func (l *StructuredLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(INFO, msg, GetTraceID(ctx), fields...)
}

func (l *StructuredLogger) Warn(msg string, fields ...interface{}) {
	l.log(WARN, msg, "", fields...)
}

func (l *StructuredLogger) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(WARN, msg, GetTraceID(ctx), fields...)
}

func (l *StructuredLogger) Error(msg string, fields ...interface{}) {
	l.log(ERROR, msg, "", fields...)
}

func (l *StructuredLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ERROR, msg, GetTraceID(ctx), fields...)
}

func (l *StructuredLogger) Debug(msg string, fields ...interface{}) {
	l.log(DEBUG, msg, "", fields...)
}

func (l *StructuredLogger) DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(DEBUG, msg, GetTraceID(ctx), fields...)
}

// Fatal logs a fatal message and exits
func (l *StructuredLogger) Fatal(msg string, fields ...interface{}) {
	l.log(FATAL, msg, "", fields...)
	os.Exit(1)
}

func (l *StructuredLogger) log(level LogLevel, msg, contextTraceID string, fields ...interface{}) {
	if level < l.level {
		return
	}

	traceID := l.traceID
	if contextTraceID != "" {
		traceID = contextTraceID
	}

	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file = "unknown"
		line = 0
	} else {
		parts := strings.Split(file, "/")
		file = parts[len(parts)-1]
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		TraceID:   traceID,
		Component: l.component,
		File:      file,
		Line:      line,
		Fields:    fieldMap(fields),
	}

	var data []byte
	if l.format == FormatText {
		data = []byte(formatText(level, entry))
	} else {
		var err error
		data, err = json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
			return
		}
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	_, _ = l.sink.out.Write(append(data, '\n'))
}

func fieldMap(fields []interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(fields)/2+1)
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			value := fields[i+1]
			if err, ok := value.(error); ok {
				value = err.Error()
			}
			m[fmt.Sprintf("%v", fields[i])] = value
		} else {
			m[fmt.Sprintf("field_%d", i)] = fields[i]
		}
	}
	return m
}

var levelColors = map[LogLevel]*color.Color{
	DEBUG: color.New(color.FgHiBlack),
	INFO:  color.New(color.FgCyan),
	WARN:  color.New(color.FgYellow),
	ERROR: color.New(color.FgRed),
	FATAL: color.New(color.FgRed, color.Bold),
}

func formatText(level LogLevel, entry LogEntry) string {
	parts := []string{entry.Timestamp, levelColors[level].Sprintf("[%s]", entry.Level)}

	if entry.TraceID != "" {
		short := entry.TraceID
		if len(short) > 8 {
			short = short[:8]
		}
		parts = append(parts, "trace:"+short)
	}
	if entry.Component != "" {
		parts = append(parts, "component:"+entry.Component)
	}
	parts = append(parts, entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, entry.Fields[k]))
	}

	if entry.File != "" && entry.Line > 0 {
		parts = append(parts, fmt.Sprintf("(%s:%d)", entry.File, entry.Line))
	}
	return strings.Join(parts, " ")
}

// GenerateTraceID returns a new random trace id
func GenerateTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores traceID in ctx, generating one when empty
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = GenerateTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID extracts the trace id from ctx
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// ParseLogLevel parses a level name, defaulting to INFO
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}
