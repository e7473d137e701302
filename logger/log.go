package logger

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.Logger]

func init() {
	current.Store(build(zapcore.DebugLevel, "console"))
}

// Init replaces the process logger. level is debug|info|warn|error, format is console|json.
func Init(level, format string) {
	current.Store(build(parseLevel(level), format))
}

// Set installs an externally built logger (tests use zaptest / zap.NewNop).
func Set(l *zap.Logger) {
	if l != nil {
		current.Store(l)
	}
}

func L() *zap.Logger { return current.Load() }

func Sync() { _ = L().Sync() }

func build(level zapcore.Level, format string) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.CapitalColorLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if strings.EqualFold(format, "json") {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }
func Infof(format string, args ...interface{}) {
	L().Info(fmt.Sprintf(format, args...))
}
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }
func Warnf(format string, args ...interface{}) {
	L().Warn(fmt.Sprintf(format, args...))
}
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func Errorf(format string, args ...interface{}) {
	L().Error(fmt.Sprintf(format, args...))
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Debugf(format string, args ...interface{}) {
	L().Debug(fmt.Sprintf(format, args...))
}
