// Package logger wraps zap behind a small structured-logging facade. All
// components receive a *Logger through their options and never touch zap
// directly.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity of a log record.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger writes prioritized messages with optional structured context.
// Instances MUST be created with New; the zero value is unusable.
type Logger struct {
	log *zap.Logger
}

// New builds a ready-to-go Logger writing records of at least the given
// level in console encoding.
func New(lvl Level) *Logger {
	c := zap.NewProductionConfig()
	c.Level = zap.NewAtomicLevelAt(zapLevel(lvl))
	c.Encoding = "console"
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := c.Build(
		zap.AddStacktrace(zap.NewAtomicLevelAt(zap.FatalLevel)),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to build zap logger: %v", err))
	}

	return &Logger{log: l}
}

// Nop returns a Logger discarding all records. Components fall back to it
// when no logger option is given.
func Nop() *Logger {
	return &Logger{log: zap.NewNop()}
}

func zapLevel(lvl Level) zapcore.Level {
	switch lvl {
	case LevelDebug:
		return zap.DebugLevel
	case LevelWarn:
		return zap.WarnLevel
	case LevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func convertContext(ctx []Field) []zap.Field {
	if len(ctx) == 0 {
		return nil
	}

	res := make([]zap.Field, len(ctx))
	for i := range ctx {
		res[i] = ctx[i].f
	}

	return res
}

// Debug logs a message at LevelDebug with optional context. If the Logger
// was built with a higher minimum level, the message is not recorded.
func (x *Logger) Debug(msg string, ctx ...Field) {
	x.log.Debug(msg, convertContext(ctx)...)
}

// Info behaves like Debug but at LevelInfo level.
func (x *Logger) Info(msg string, ctx ...Field) {
	x.log.Info(msg, convertContext(ctx)...)
}

// Warn behaves like Debug but at LevelWarn level.
func (x *Logger) Warn(msg string, ctx ...Field) {
	x.log.Warn(msg, convertContext(ctx)...)
}

// Error behaves like Debug but at LevelError level.
func (x *Logger) Error(msg string, ctx ...Field) {
	x.log.Error(msg, convertContext(ctx)...)
}

// WithContext returns a new Logger inheriting all properties of the parent
// and adding the given context to every record.
func (x *Logger) WithContext(ctx ...Field) *Logger {
	if len(ctx) == 0 {
		return x
	}

	return &Logger{log: x.log.With(convertContext(ctx)...)}
}
