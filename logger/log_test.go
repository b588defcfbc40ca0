package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestSetLevelAffectsNamedLoggers(t *testing.T) {
	t.Cleanup(func() { SetLevel("debug") })

	l := Named("comp")
	assert.Equal(t, zapcore.WarnLevel, SetLevel("WARN"))
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.ErrorLevel))

	assert.Equal(t, zapcore.InfoLevel, SetLevel("bogus"))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.Equal(t, zapcore.InfoLevel, Level())
}
