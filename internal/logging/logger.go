// Package logging provides the leveled logger shared by the CLI, the
// orchestrator and the HTTP server.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
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
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configured level name.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
	}
}

// LogContext provides context for log messages
type LogContext struct {
	RunID     string `json:"run_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Backend   string `json:"backend,omitempty"`
	Model     string `json:"model,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// Options configure a Logger.
type Options struct {
	Level LogLevel
	JSON  bool
	// Out receives DEBUG to WARN, Err receives ERROR. Nil means stderr for
	// both, keeping stdout free for reports.
	Out io.Writer
	Err io.Writer
}

// Logger provides structured logging with separate output streams
type Logger struct {
	level LogLevel
	json  bool

	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer

	debug *log.Logger
	info  *log.Logger
	warn  *log.Logger
	error *log.Logger
}

// JSONLogEntry is one line in JSON mode
type JSONLogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   *LogContext    `json:"context,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// New creates a logger
func New(opts Options) *Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	errOut := opts.Err
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Logger{
		level:  opts.Level,
		json:   opts.JSON,
		out:    out,
		errOut: errOut,
		debug:  log.New(out, "[DEBUG] ", log.LstdFlags),
		info:   log.New(out, "[INFO]  ", log.LstdFlags),
		warn:   log.New(out, "[WARN]  ", log.LstdFlags),
		error:  log.New(errOut, "[ERROR] ", log.LstdFlags),
	}
}

// FromConfig builds a logger from level and format names.
func FromConfig(level, format string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return New(Options{Level: lvl, JSON: strings.EqualFold(format, "json")}), nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(Options{Level: ERROR + 1, Out: io.Discard, Err: io.Discard})
}

func (l *Logger) Debug(format string, v ...any) { l.log(DEBUG, nil, nil, format, v...) }
func (l *Logger) Info(format string, v ...any)  { l.log(INFO, nil, nil, format, v...) }
func (l *Logger) Warn(format string, v ...any)  { l.log(WARN, nil, nil, format, v...) }
func (l *Logger) Error(format string, v ...any) { l.log(ERROR, nil, nil, format, v...) }

// DebugWithContext logs a debug message with context
func (l *Logger) DebugWithContext(ctx *LogContext, format string, v ...any) {
	l.log(DEBUG, ctx, nil, format, v...)
}

// InfoWithContext logs an info message with context
func (l *Logger) InfoWithContext(ctx *LogContext, format string, v ...any) {
	l.log(INFO, ctx, nil, format, v...)
}

// WarnWithContext logs a warning message with context
func (l *Logger) WarnWithContext(ctx *LogContext, format string, v ...any) {
	l.log(WARN, ctx, nil, format, v...)
}

// ErrorWithContext logs an error message with context
func (l *Logger) ErrorWithContext(ctx *LogContext, format string, v ...any) {
	l.log(ERROR, ctx, nil, format, v...)
}

// DebugWithFields logs a debug message with structured fields
func (l *Logger) DebugWithFields(format string, fields map[string]any, v ...any) {
	l.log(DEBUG, nil, fields, format, v...)
}

// InfoWithFields logs an info message with structured fields
func (l *Logger) InfoWithFields(format string, fields map[string]any, v ...any) {
	l.log(INFO, nil, fields, format, v...)
}

// WarnWithFields logs a warning message with structured fields
func (l *Logger) WarnWithFields(format string, fields map[string]any, v ...any) {
	l.log(WARN, nil, fields, format, v...)
}

// ErrorWithFields logs an error message with structured fields
func (l *Logger) ErrorWithFields(format string, fields map[string]any, v ...any) {
	l.log(ERROR, nil, fields, format, v...)
}

// Enabled reports whether level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return l != nil && level >= l.level
}

func (l *Logger) log(level LogLevel, ctx *LogContext, fields map[string]any, format string, v ...any) {
	if !l.Enabled(level) {
		return
	}
	message := format
	if len(v) > 0 {
		message = fmt.Sprintf(format, v...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.json {
		l.logJSON(level, ctx, fields, message)
		return
	}
	line := formatContext(ctx) + message + formatFields(fields)
	switch level {
	case DEBUG:
		l.debug.Print(line)
	case INFO:
		l.info.Print(line)
	case WARN:
		l.warn.Print(line)
	default:
		l.error.Print(line)
	}
}

func (l *Logger) logJSON(level LogLevel, ctx *LogContext, fields map[string]any, message string) {
	entry := JSONLogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Message:   message,
		Context:   ctx,
		Fields:    fields,
	}
	output := l.out
	if level >= ERROR {
		output = l.errOut
	}
	encoder := json.NewEncoder(output)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(entry)
}

// formatContext formats context for human-readable logs
func formatContext(ctx *LogContext) string {
	if ctx == nil {
		return ""
	}
	var parts []string
	if ctx.RunID != "" {
		parts = append(parts, "[Run:"+ctx.RunID+"]")
	}
	if ctx.JobID != "" {
		parts = append(parts, "[Job:"+ctx.JobID+"]")
	}
	if ctx.Backend != "" {
		parts = append(parts, "[Backend:"+ctx.Backend+"]")
	}
	if ctx.Model != "" {
		parts = append(parts, "[Model:"+ctx.Model+"]")
	}
	if ctx.Operation != "" {
		parts = append(parts, "[Op:"+ctx.Operation+"]")
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "") + " "
}

// formatFields renders fields sorted by key so lines are stable
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(" |")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// WithContext returns a context logger for chaining
func (l *Logger) WithContext(ctx *LogContext) *ContextLogger {
	return &ContextLogger{logger: l, ctx: ctx}
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *Logger
	ctx    *LogContext
}

// With returns a copy whose context has backend and model set.
func (cl *ContextLogger) With(backend, model string) *ContextLogger {
	ctx := LogContext{}
	if cl.ctx != nil {
		ctx = *cl.ctx
	}
	ctx.Backend = backend
	ctx.Model = model
	return &ContextLogger{logger: cl.logger, ctx: &ctx}
}

func (cl *ContextLogger) Debug(format string, v ...any) { cl.logger.DebugWithContext(cl.ctx, format, v...) }
func (cl *ContextLogger) Info(format string, v ...any)  { cl.logger.InfoWithContext(cl.ctx, format, v...) }
func (cl *ContextLogger) Warn(format string, v ...any)  { cl.logger.WarnWithContext(cl.ctx, format, v...) }
func (cl *ContextLogger) Error(format string, v ...any) { cl.logger.ErrorWithContext(cl.ctx, format, v...) }

// InfoWithFields logs an info message with context and fields
func (cl *ContextLogger) InfoWithFields(format string, fields map[string]any, v ...any) {
	cl.logger.log(INFO, cl.ctx, fields, format, v...)
}

// WarnWithFields logs a warning message with context and fields
func (cl *ContextLogger) WarnWithFields(format string, fields map[string]any, v ...any) {
	cl.logger.log(WARN, cl.ctx, fields, format, v...)
}

// ErrorWithFields logs an error message with context and fields
func (cl *ContextLogger) ErrorWithFields(format string, fields map[string]any, v ...any) {
	cl.logger.log(ERROR, cl.ctx, fields, format, v...)
}
