// Package log provides the small structured-logging interface used across
// the connector and recipes. It is backed by go.uber.org/zap but never
// exposes zap types to callers, so recipes can be tested with a no-op or
// in-memory logger.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging capability every recipe and the connector depend on.
type Logger interface {
	Debugf(template string, args ...any)
	Infof(template string, args ...any)
	Warnf(template string, args ...any)
	Errorf(template string, args ...any)
	// With returns a derived logger that prefixes every message with the
	// given component name, e.g. logger.With("leader").Infof(...).
	With(component string) Logger
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewProduction returns a Logger backed by a JSON-encoding zap core writing
// to stderr, matching the teacher's production logger shape.
func NewProduction() Logger {
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapcore.InfoLevel)
	return &zapLogger{sugar: zap.New(core).Sugar()}
}

// NewNop returns a Logger that discards everything. It is the default used
// by recipe constructors when no logger is supplied.
func NewNop() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}

func (l *zapLogger) Debugf(template string, args ...any) { l.sugar.Debugf(template, args...) }
func (l *zapLogger) Infof(template string, args ...any)  { l.sugar.Infof(template, args...) }
func (l *zapLogger) Warnf(template string, args ...any)  { l.sugar.Warnf(template, args...) }
func (l *zapLogger) Errorf(template string, args ...any) { l.sugar.Errorf(template, args...) }

func (l *zapLogger) With(component string) Logger {
	return &zapLogger{sugar: l.sugar.With("component", component)}
}
