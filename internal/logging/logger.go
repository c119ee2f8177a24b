package logging

// Leveled logging for scadasim, backed by logrus.

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel orders verbosity; a logger emits every level at or below its own.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelVerbose
	LogLevelDebug
)

// ParseLevel maps a config or flag value onto a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent":
		return LogLevelSilent, nil
	case "error":
		return LogLevelError, nil
	case "info", "":
		return LogLevelInfo, nil
	case "verbose":
		return LogLevelVerbose, nil
	case "debug":
		return LogLevelDebug, nil
	default:
		return LogLevelInfo, fmt.Errorf("invalid log level %q (want silent, error, info, verbose or debug)", s)
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelSilent:
		return "silent"
	case LogLevelError:
		return "error"
	case LogLevelInfo:
		return "info"
	case LogLevelVerbose:
		return "verbose"
	case LogLevelDebug:
		return "debug"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// logrus has no verbose level; verbose rides on Debug and debug on Trace.
func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LogLevelError:
		return logrus.ErrorLevel
	case LogLevelInfo:
		return logrus.InfoLevel
	case LogLevelVerbose:
		return logrus.DebugLevel
	case LogLevelDebug:
		return logrus.TraceLevel
	default:
		return logrus.PanicLevel
	}
}

// core is the state shared by a logger and the children made with WithField.
type core struct {
	mu       sync.Mutex
	level    LogLevel
	format   string
	logEvery uint64
	samples  map[string]uint64
	file     *os.File
	fileLog  *logrus.Logger
	stdout   *logrus.Logger
	stderr   *logrus.Logger
}

// Logger provides leveled, optionally structured logging. Errors go to stderr,
// verbose and debug output to stdout, and everything at or above the level to
// the log file when one is configured.
type Logger struct {
	c      *core
	fields logrus.Fields
}

// NewLogger creates a text logger with no sampling.
func NewLogger(level LogLevel, logFile string) (*Logger, error) {
	return NewLoggerWithOptions(level, logFile, "text", 1)
}

// NewLoggerWithOptions creates a logger. format is "text" or "json"; logEvery
// is the sampling interval applied to Sampled keys.
func NewLoggerWithOptions(level LogLevel, logFile, format string, logEvery int) (*Logger, error) {
	if format == "" {
		format = "text"
	}
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
	if logEvery < 1 {
		logEvery = 1
	}
	c := &core{
		level:    level,
		format:   format,
		logEvery: uint64(logEvery),
		samples:  make(map[string]uint64),
		stdout:   newLogrus(os.Stdout, consoleFormatter{}, level),
		stderr:   newLogrus(os.Stderr, consoleFormatter{}, level),
	}
	if logFile != "" {
		file, err := os.Create(logFile)
		if err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		c.file = file
		var f logrus.Formatter = &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}
		if format == "json" {
			f = &logrus.JSONFormatter{}
		}
		c.fileLog = newLogrus(file, f, level)
	}
	return &Logger{c: c}, nil
}

// Discard returns a logger that writes nothing. Tests and library callers
// that were handed no logger use it.
func Discard() *Logger {
	l, _ := NewLogger(LogLevelSilent, "")
	return l
}

func newLogrus(out io.Writer, f logrus.Formatter, level LogLevel) *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(out)
	lg.SetFormatter(f)
	lg.SetLevel(level.logrus())
	return lg
}

// WithField returns a child logger that tags every entry with key=value.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(logrus.Fields{key: value})
}

// WithFields returns a child logger carrying the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{c: l.c, fields: merged}
}

// Close closes the log file, if any. Console output continues.
func (l *Logger) Close() error {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()

	if l.c.file != nil {
		err := l.c.file.Close()
		l.c.file = nil
		l.c.fileLog = nil
		return err
	}
	return nil
}

// Error always reaches stderr unless the level is silent.
func (l *Logger) Error(format string, v ...interface{}) {
	l.log(LogLevelError, format, v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.log(LogLevelInfo, format, v...)
}

func (l *Logger) Verbose(format string, v ...interface{}) {
	l.log(LogLevelVerbose, format, v...)
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.log(LogLevelDebug, format, v...)
}

func (l *Logger) log(level LogLevel, format string, v ...interface{}) {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.level < level || level == LogLevelSilent {
		return
	}
	msg := fmt.Sprintf(format, v...)

	if c.fileLog != nil {
		c.fileLog.WithFields(l.fields).Log(level.logrus(), msg)
	}
	switch {
	case level == LogLevelError:
		c.stderr.WithFields(l.fields).Log(level.logrus(), msg)
	case c.level >= LogLevelVerbose:
		c.stdout.WithFields(l.fields).Log(level.logrus(), msg)
	}
}

// Sampled reports whether the current occurrence of a hot-path event named by
// key should be logged: the first and then every logEvery-th one.
func (l *Logger) Sampled(key string) bool {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	n := l.c.samples[key]
	l.c.samples[key] = n + 1
	return n%l.c.logEvery == 0
}

// SetLevel changes the level of every sink.
func (l *Logger) SetLevel(level LogLevel) {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	l.c.level = level
	for _, lg := range []*logrus.Logger{l.c.stdout, l.c.stderr, l.c.fileLog} {
		if lg != nil {
			lg.SetLevel(level.logrus())
		}
	}
}

func (l *Logger) GetLevel() LogLevel {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return l.c.level
}

// LogHex logs a frame as space-separated hex bytes at debug level.
func (l *Logger) LogHex(label string, data []byte) {
	if l.GetLevel() < LogLevelDebug {
		return
	}
	l.Debug("%s: % x", label, data)
}

// consoleFormatter prints "LEVEL: message key=value ..." the way operators
// read it on a terminal.
type consoleFormatter struct{}

func (consoleFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(levelLabel(e.Level))
	b.WriteString(": ")
	b.WriteString(e.Message)
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func levelLabel(lv logrus.Level) string {
	switch lv {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return "ERROR"
	case logrus.WarnLevel, logrus.InfoLevel:
		return "INFO"
	case logrus.DebugLevel:
		return "VERBOSE"
	default:
		return "DEBUG"
	}
}
