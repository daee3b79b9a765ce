// Package logger is a leveled, module-tagged logger shared by every package
// of the daemon. One process serves one monitor, so a process-wide tag
// (e.g. "m5") prefixes every line.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var (
	levelNames = map[LogLevel]string{
		DEBUG:  "DEBUG",
		INFO:   "INFO",
		WARN:   "WARN",
		ERROR:  "ERROR",
		SILENT: "SILENT",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m", // Cyan
		INFO:  "\033[32m", // Green
		WARN:  "\033[33m", // Yellow
		ERROR: "\033[31m", // Red
	}

	// sd-daemon(3) priority prefixes understood by journald
	journalPriorities = map[LogLevel]string{
		DEBUG: "<7>",
		INFO:  "<6>",
		WARN:  "<4>",
		ERROR: "<3>",
	}

	resetColor = "\033[0m"
)

// Logger provides leveled logging with module support
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	useColor bool
	journal  bool   // priority prefixes, no timestamps
	tag      string // process tag, e.g. the monitor ("m5")
	out      *log.Logger
}

var defaultLogger *Logger
var once sync.Once

// Init initializes the global logger (call once at startup). When stderr is
// connected to journald, lines carry priority prefixes instead of timestamps.
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger = New(level, output, useColor)
		if os.Getenv("JOURNAL_STREAM") != "" && output == os.Stderr {
			defaultLogger.SetJournal(true)
		}
	})
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		level:    level,
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetTag sets a tag printed after the level on every line
func (l *Logger) SetTag(tag string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tag = tag
}

// SetJournal switches to journald output: a priority prefix, no timestamp, no color
func (l *Logger) SetJournal(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = on
	if on {
		l.out.SetFlags(0)
	} else {
		l.out.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	}
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) log(level LogLevel, module string, format string, args ...interface{}) {
	l.mu.Lock()
	if level < l.level || level >= SILENT {
		l.mu.Unlock()
		return
	}
	tag, journal, color := l.tag, l.journal, l.useColor
	l.mu.Unlock()

	var b strings.Builder
	switch {
	case journal:
		b.WriteString(journalPriorities[level])
		b.WriteString("[" + levelNames[level] + "]")
	case color:
		b.WriteString(levelColors[level] + "[" + levelNames[level] + "]" + resetColor)
	default:
		b.WriteString("[" + levelNames[level] + "]")
	}
	if tag != "" {
		b.WriteString(" [" + tag + "]")
	}
	if module != "" {
		b.WriteString(" [" + module + "]")
	}
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, args...)

	l.out.Print(b.String())
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.log(DEBUG, module, format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.log(INFO, module, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.log(WARN, module, format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.log(ERROR, module, format, args...)
}

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// SetTag sets the global logger's process tag
func SetTag(tag string) {
	if defaultLogger != nil {
		defaultLogger.SetTag(tag)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if defaultLogger != nil {
		return defaultLogger.GetLevel()
	}
	return INFO
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(module, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(module, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(module, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(module, format, args...)
	}
}

// Repeat logs an error at WARN the first time it is seen and at DEBUG while
// it keeps repeating, so a loop failing every cycle does not flood the log.
type Repeat struct {
	mu     sync.Mutex
	module string
	last   string
	count  int
}

// NewRepeat creates a reporter for module
func NewRepeat(module string) *Repeat {
	return &Repeat{module: module}
}

// Report logs err. It returns true when the message was new.
func (r *Repeat) Report(err error) bool {
	msg := err.Error()
	r.mu.Lock()
	fresh := msg != r.last
	if fresh {
		r.last, r.count = msg, 0
	}
	r.count++
	count := r.count
	r.mu.Unlock()

	if fresh {
		Warn(r.module, "%s", msg)
	} else {
		Debug(r.module, "%s (repeated %d times)", msg, count)
	}
	return fresh
}

// Clear forgets the last error; the next report is logged at WARN again
func (r *Repeat) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last, r.count = "", 0
}

// Last returns the last reported message, empty after Clear
func (r *Repeat) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
