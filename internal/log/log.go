package log

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// Logger is the service logger. The embedded SugaredLogger provides the
// leveled Debugf/Infof/Warnf/Errorf family.
type Logger struct {
	*zap.SugaredLogger
	level zap.AtomicLevel
	skip  *zap.SugaredLogger
}

func New(opts *Options) (*Logger, error) {
	if opts == nil {
		opts = NewOptions()
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	level := zap.NewAtomicLevelAt(lvl)

	encoderConfig := zapcore.EncoderConfig{
		MessageKey:     "message",
		LevelKey:       "level",
		TimeKey:        "timestamp",
		NameKey:        "logger",
		CallerKey:      "caller",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	if opts.Systemd {
		encoderConfig.TimeKey = ""
	} else if opts.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg := zap.Config{
		Level:            level,
		Encoding:         opts.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	core, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return wrap(core, level), nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return wrap(zap.NewNop(), zap.NewAtomicLevel())
}

// NewTest returns a logger writing through t.Log at debug level.
func NewTest(t testing.TB) *Logger {
	level := zap.NewAtomicLevelAt(zapcore.DebugLevel)
	return wrap(zaptest.NewLogger(t, zaptest.Level(level)), level)
}

func wrap(core *zap.Logger, level zap.AtomicLevel) *Logger {
	return &Logger{
		SugaredLogger: core.Sugar(),
		level:         level,
		skip:          core.WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
}

// Criticalf logs an invariant violation or an unrecoverable I/O fault.
func (l *Logger) Criticalf(format string, args ...any) {
	l.skip.With("severity", "critical").Errorf(format, args...)
}

// Named returns a child logger for a component.
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		SugaredLogger: l.SugaredLogger.Named(name),
		level:         l.level,
		skip:          l.skip.Named(name),
	}
}

// SetLevel changes the level of this logger and all loggers derived from it.
func (l *Logger) SetLevel(level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l.level.SetLevel(lvl)
	return nil
}

// Level reports the current minimum level.
func (l *Logger) Level() string {
	return l.level.Level().String()
}
