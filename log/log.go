// Package log provides the leveled, key-value structured logger used
// throughout the node. It is a thin wrapper around zap.SugaredLogger that
// keeps the call-site shape (logger.Info("msg", "key", val, ...)) used
// across the rest of the tree.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module names used to tag a logger instance, mirroring the per-package
// logger registration pattern (log.NewModuleLogger(log.P2P)).
type Module string

const (
	Common    Module = "common"
	P2P       Module = "p2p"
	Discover  Module = "discover"
	Router    Module = "router"
	Bootstrap Module = "bootstrap"
	Banlist   Module = "banlist"
	Node      Module = "node"
	Dedup     Module = "dedup"
	Framebuf  Module = "framebuf"
)

// Logger is the leveled logger interface used across the tree.
type Logger interface {
	Trace(msg string, kv ...interface{})
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
	Crit(msg string, kv ...interface{})
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (l *zapLogger) Trace(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *zapLogger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }
func (l *zapLogger) Crit(msg string, kv ...interface{}) {
	l.sugar.Errorw(msg, kv...)
	os.Exit(2)
}

var (
	baseOnce sync.Once
	base     *zap.Logger
	level    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func baseLogger() *zap.Logger {
	baseOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Level = level
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// SetLevel adjusts the global minimum logging level at runtime. Valid
// values are the zapcore level names ("debug", "info", "warn", "error").
// Invalid values are ignored, leaving the current level in place.
func SetLevel(l string) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(l)); err != nil {
		return
	}
	level.SetLevel(lvl)
}

// NewModuleLogger returns a Logger tagged with the given module name, the
// way every package in the tree obtains its package-level `logger` var.
func NewModuleLogger(module Module) Logger {
	return &zapLogger{sugar: baseLogger().Sugar().With("module", string(module))}
}

// New returns a Logger tagged with arbitrary key/value context, mirroring
// the original source's `log.New("database", file)` call shape.
func New(kv ...interface{}) Logger {
	return &zapLogger{sugar: baseLogger().Sugar().With(kv...)}
}
