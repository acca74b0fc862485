// Package logging provides the structured, leveled logger used by every
// stage of the SLAM engine. It is a thin named wrapper over zap, mirroring
// the shape consumers expect: Debugw/Infow/Warnw/Errorw plus Named.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface threaded through every package in this
// module. Each pipeline stage holds a Named child so log lines carry their
// stage tag, per the observability requirement in spec.md section 7.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Named(name string) Logger
	Sync() error
}

type impl struct {
	sugar *zap.SugaredLogger
}

func newConfig() zap.Config {
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.DebugLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// New returns a new named debug-level logger that writes to stdout.
func New(name string) Logger {
	l, err := newConfig().Build()
	if err != nil {
		// Fall back to a no-op core; logging must never be fatal to the pipeline.
		l = zap.NewNop()
	}
	return &impl{sugar: l.Named(name).Sugar()}
}

// NewNop returns a logger that discards everything, for tests that don't
// care about log output.
func NewNop() Logger {
	return &impl{sugar: zap.NewNop().Sugar()}
}

func (l *impl) Debugw(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *impl) Infow(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *impl) Warnw(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *impl) Errorw(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

func (l *impl) Named(name string) Logger {
	return &impl{sugar: l.sugar.Named(name)}
}

func (l *impl) Sync() error {
	return l.sugar.Sync()
}
