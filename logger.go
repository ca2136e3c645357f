package mqttv3

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
)

// LogLevel is the verbosity threshold of a Logger.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelNone // disables logging
)

var logLevelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "NONE"}

func (l LogLevel) String() string {
	if l < LogLevelDebug || l > LogLevelNone {
		return "UNKNOWN"
	}
	return logLevelNames[l]
}

// ParseLogLevel accepts a level name in any case. Unknown names yield
// LogLevelInfo and false.
func ParseLogLevel(name string) (LogLevel, bool) {
	for i, n := range logLevelNames {
		if strings.EqualFold(n, name) {
			return LogLevel(i), true
		}
	}
	return LogLevelInfo, false
}

// slogLevel maps a LogLevel to the slog level it is emitted at.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFields are structured key-value pairs attached to a record.
type LogFields map[string]any

// Logger is the structured logger the client reports through.
type Logger interface {
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, fields LogFields)

	// WithFields returns a child logger that adds fields to every record.
	WithFields(fields LogFields) Logger

	Level() LogLevel
	SetLevel(level LogLevel)
}

// NoOpLogger drops every record. It is the default logger.
type NoOpLogger struct {
	level LogLevel
}

func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{level: LogLevelNone} }

func (n *NoOpLogger) Debug(string, LogFields)     {}
func (n *NoOpLogger) Info(string, LogFields)      {}
func (n *NoOpLogger) Warn(string, LogFields)      {}
func (n *NoOpLogger) Error(string, LogFields)     {}
func (n *NoOpLogger) WithFields(LogFields) Logger { return n }
func (n *NoOpLogger) Level() LogLevel             { return n.level }
func (n *NoOpLogger) SetLevel(level LogLevel)     { n.level = level }

// SlogLogger adapts a log/slog handler to Logger. Fields become slog
// attributes in key order.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	off    bool
}

// NewSlogLogger creates a logger writing text records to w at the given level.
// A nil writer logs to stderr.
func NewSlogLogger(w io.Writer, level LogLevel) *SlogLogger {
	if w == nil {
		w = os.Stderr
	}

	lv := new(slog.LevelVar)
	lv.Set(level.slogLevel())

	return &SlogLogger{
		logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})),
		level:  lv,
		off:    level == LogLevelNone,
	}
}

// NewSlogLoggerFromHandler wraps an existing slog handler. The handler's own
// level filter still applies; SetLevel only controls records below it.
func NewSlogLoggerFromHandler(h slog.Handler) *SlogLogger {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelDebug)

	return &SlogLogger{
		logger: slog.New(h),
		level:  lv,
	}
}

func (s *SlogLogger) Debug(msg string, fields LogFields) { s.log(slog.LevelDebug, msg, fields) }
func (s *SlogLogger) Info(msg string, fields LogFields)  { s.log(slog.LevelInfo, msg, fields) }
func (s *SlogLogger) Warn(msg string, fields LogFields)  { s.log(slog.LevelWarn, msg, fields) }
func (s *SlogLogger) Error(msg string, fields LogFields) { s.log(slog.LevelError, msg, fields) }

// WithFields returns a logger sharing s's level.
func (s *SlogLogger) WithFields(fields LogFields) Logger {
	return &SlogLogger{
		logger: s.logger.With(fieldsToArgs(fields)...),
		level:  s.level,
		off:    s.off,
	}
}

// Level returns the current log level.
func (s *SlogLogger) Level() LogLevel {
	if s.off {
		return LogLevelNone
	}

	switch l := s.level.Level(); {
	case l <= slog.LevelDebug:
		return LogLevelDebug
	case l <= slog.LevelInfo:
		return LogLevelInfo
	case l <= slog.LevelWarn:
		return LogLevelWarn
	default:
		return LogLevelError
	}
}

// SetLevel sets the log level. Loggers derived with WithFields share it.
func (s *SlogLogger) SetLevel(level LogLevel) {
	s.off = level == LogLevelNone
	s.level.Set(level.slogLevel())
}

func (s *SlogLogger) log(level slog.Level, msg string, fields LogFields) {
	if s.off || level < s.level.Level() {
		return
	}

	s.logger.Log(context.Background(), level, msg, fieldsToArgs(fields)...)
}

// fieldsToArgs converts fields to slog key-value arguments sorted by key.
func fieldsToArgs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}

	keys := slices.Sorted(maps.Keys(fields))

	args := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}

	return args
}

// Field keys used in client log records.
const (
	LogFieldClientID   = "client_id"
	LogFieldTopic      = "topic"
	LogFieldPacketID   = "packet_id"
	LogFieldPacketType = "packet_type"
	LogFieldQoS        = "qos"
	LogFieldReturnCode = "return_code" // CONNACK or SUBACK
	LogFieldError      = "error"
	LogFieldRemoteAddr = "remote_addr"
	LogFieldBytes      = "bytes"
)
