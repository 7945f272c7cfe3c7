package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewModuleLoggerDoesNotPanic(t *testing.T) {
	l := NewModuleLogger(P2P)
	assert.NotPanics(t, func() {
		l.Trace("trace", "k", 1)
		l.Debug("debug", "k", 1)
		l.Info("info", "k", 1)
		l.Warn("warn", "k", 1)
		l.Error("error", "k", 1)
	})
}

func TestSetLevelIgnoresInvalidValue(t *testing.T) {
	level.SetLevel(zapcore.InfoLevel)
	SetLevel("not-a-level")
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

func TestSetLevelAppliesValidValue(t *testing.T) {
	SetLevel("error")
	assert.Equal(t, zapcore.ErrorLevel, level.Level())
	SetLevel("info")
}
