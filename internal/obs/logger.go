package obs

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Info:
		return zapcore.InfoLevel
	case Warn:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger is the injection point every subsystem takes instead of
// calling a global logger directly.
type Logger interface {
	Logf(level Level, format string, args ...interface{})
}

// NopLogger discards all logs.
type NopLogger struct{}

func (NopLogger) Logf(level Level, format string, args ...interface{}) {}

// StdLogger adapts the standard library logger, kept for callers that
// want zero third-party dependencies for their own logging sink.
type StdLogger struct {
	L    *log.Logger
	Min  Level
	Pref string
}

func (s StdLogger) Logf(level Level, format string, args ...interface{}) {
	if s.L == nil || level < s.Min {
		return
	}
	if s.Pref != "" {
		s.L.Printf("%s[%s] "+format, append([]interface{}{s.Pref, level.String()}, args...)...)
	} else {
		s.L.Printf("[%s] "+format, append([]interface{}{level.String()}, args...)...)
	}
}

// ZapLogger adapts a *zap.SugaredLogger to Logger. This is the default,
// non-nop implementation the reference command and tests construct.
type ZapLogger struct {
	L   *zap.SugaredLogger
	Min Level
}

// NewZapLogger builds a ZapLogger around a production zap.Logger.
// Construction errors from zap.NewProduction fall back to zap.NewNop so
// callers never have to handle a logger constructor failure.
func NewZapLogger(min Level) *ZapLogger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return &ZapLogger{L: z.Sugar(), Min: min}
}

func (z *ZapLogger) Logf(level Level, format string, args ...interface{}) {
	if z == nil || z.L == nil || level < z.Min {
		return
	}
	msg := format
	switch level {
	case Debug:
		z.L.Debugf(msg, args...)
	case Info:
		z.L.Infof(msg, args...)
	case Warn:
		z.L.Warnf(msg, args...)
	case Error:
		z.L.Errorf(msg, args...)
	default:
		z.L.Infof(msg, args...)
	}
}

// Sync flushes any buffered log entries, mirroring zap's own Sync.
func (z *ZapLogger) Sync() error {
	if z == nil || z.L == nil {
		return nil
	}
	return z.L.Sync()
}
