package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, CLILogger.Core().Enabled(zapcore.InfoLevel))

	InitCLILogger("test", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}

func TestInitFromLevel(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitFromLevel("test", "warn", "json", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, CLILogger.Core().Enabled(zapcore.WarnLevel))

	InitFromLevel("test", "warn", "json", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("chatty"))
}
