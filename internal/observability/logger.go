// Package observability holds the process-wide CLI logger.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by command handlers. It is a no-op logger
// until InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger with a console logger writing to stderr.
// verbose lowers the level to debug.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = NewLogger(name, level, "console")
}

// InitFromLevel is like InitCLILogger but takes a configured level name and
// encoding ("console" or "json"). Unknown levels fall back to info.
func InitFromLevel(name, levelName, encoding string, verbose bool) {
	level := ParseLevel(levelName)
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = NewLogger(name, level, encoding)
}

// ParseLevel maps a level name onto a zap level.
func ParseLevel(name string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// NewLogger builds a named stderr logger.
func NewLogger(name string, level zapcore.Level, encoding string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if encoding == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.TimeKey = ""
		encCfg.CallerKey = ""
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	log := zap.New(core)
	if name != "" {
		log = log.Named(name)
	}
	return log
}
