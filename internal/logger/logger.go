package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	root  = newRoot()
)

func newRoot() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// Logger is a component logger sharing the package level.
type Logger struct {
	s *zap.SugaredLogger
}

// Named returns a logger whose lines are tagged with name.
func Named(name string) *Logger {
	return &Logger{s: root.Named(name)}
}

func (l *Logger) Debug(format string, v ...interface{}) { l.s.Debugf(format, v...) }
func (l *Logger) Info(format string, v ...interface{})  { l.s.Infof(format, v...) }
func (l *Logger) Warn(format string, v ...interface{})  { l.s.Warnf(format, v...) }
func (l *Logger) Error(format string, v ...interface{}) { l.s.Errorf(format, v...) }

// SetLogLevel sets the current log level
func SetLogLevel(l LogLevel) {
	switch l {
	case DEBUG:
		level.SetLevel(zapcore.DebugLevel)
	case WARN:
		level.SetLevel(zapcore.WarnLevel)
	case ERROR:
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// SetLogLevelFromString sets log level from string
func SetLogLevelFromString(l string) {
	switch strings.ToLower(l) {
	case "debug":
		SetLogLevel(DEBUG)
	case "info":
		SetLogLevel(INFO)
	case "warn", "warning":
		SetLogLevel(WARN)
	case "error":
		SetLogLevel(ERROR)
	default:
		SetLogLevel(INFO)
	}
}

// Enabled reports whether messages at l are currently emitted.
func Enabled(l LogLevel) bool {
	switch l {
	case DEBUG:
		return level.Enabled(zapcore.DebugLevel)
	case WARN:
		return level.Enabled(zapcore.WarnLevel)
	case ERROR:
		return level.Enabled(zapcore.ErrorLevel)
	default:
		return level.Enabled(zapcore.InfoLevel)
	}
}

// Debug logs debug messages
func Debug(format string, v ...interface{}) {
	root.Debugf(format, v...)
}

// Info logs info messages
func Info(format string, v ...interface{}) {
	root.Infof(format, v...)
}

// Warn logs warning messages
func Warn(format string, v ...interface{}) {
	root.Warnf(format, v...)
}

// Error logs error messages
func Error(format string, v ...interface{}) {
	root.Errorf(format, v...)
}

// Fatal logs fatal messages and exits
func Fatal(format string, v ...interface{}) {
	root.Fatalf(format, v...)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = root.Sync()
}
