// Package logger builds the zap logger used by the command line tool.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Skryldev/formimage/core"
)

// Logger is a logger
type Logger struct {
	*zap.SugaredLogger
}

var _ core.Logger = (*Logger)(nil)

// New creates a new logger writing JSON to stdout, with errors split off to
// stderr.
func New(loglevel zapcore.Level) *Logger {
	return NewTo(loglevel, os.Stdout, os.Stderr)
}

// NewTo is New with explicit sinks: levels below error go to out, error and
// above to errOut. Passing the same writer twice sends everything there.
func NewTo(loglevel zapcore.Level, out, errOut io.Writer) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	errLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= loglevel && lvl >= zapcore.ErrorLevel
	})
	outLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= loglevel && lvl < zapcore.ErrorLevel
	})

	tee := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(errOut)), errLevel),
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), outLevel),
	)
	return &Logger{zap.New(tee).Sugar()}
}

// Parse maps a level name ("debug", "info", "warn", "error") to a zap level.
// Unknown names fall back to info.
func Parse(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger { return &Logger{zap.NewNop().Sugar()} }

// Debug logs msg with key/value fields.
func (l *Logger) Debug(msg string, fields ...interface{}) { l.Debugw(msg, fields...) }

// Info logs msg with key/value fields.
func (l *Logger) Info(msg string, fields ...interface{}) { l.Infow(msg, fields...) }

// Warn logs msg with key/value fields.
func (l *Logger) Warn(msg string, fields ...interface{}) { l.Warnw(msg, fields...) }

// Error logs msg with key/value fields.
func (l *Logger) Error(msg string, fields ...interface{}) { l.Errorw(msg, fields...) }
