package logger

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	sugar *zap.SugaredLogger
)

func init() {
	base, err := zap.NewDevelopment(zap.AddCallerSkip(1))
	if err != nil {
		base = zap.NewNop()
	}
	sugar = base.Sugar()
}

// Init replaces the default development logger. Production environments get
// JSON output; everything else gets the console encoder.
func Init(level, environment string) error {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	sugar = base.Sugar()
	mu.Unlock()
	return nil
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Info(format string, v ...interface{}) {
	current().Infof(format, v...)
}

func Error(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

func Debug(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

func Warn(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

func Fatal(format string, v ...interface{}) {
	current().Fatalf(format, v...)
}

// Sync flushes buffered entries. Call it before the process exits.
func Sync() {
	_ = current().Sync()
}

// WithContext prefixes a message with the caller location and an optional context value.
func WithContext(ctx interface{}, format string, v ...interface{}) string {
	_, file, line, _ := runtime.Caller(1)
	contextStr := fmt.Sprintf("%v:%d", file, line)
	if ctx != nil {
		contextStr = fmt.Sprintf("%v - %v", contextStr, ctx)
	}
	return fmt.Sprintf("[%s] %s", contextStr, fmt.Sprintf(format, v...))
}

// LogBroadcastFailure records a delivery that did not reach one connection.
func LogBroadcastFailure(event, connectionID string, err error) {
	Warn("Broadcast failure: code=BROADCAST_FAILURE, event=%s, connection=%s, error=%v", event, connectionID, err)
}
