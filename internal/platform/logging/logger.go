// Package logging wraps zap with the key/value call style used across the
// persistence engine.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured key/value logger. A nil *Logger discards output.
type Logger struct {
	sugared *zap.SugaredLogger
}

// New builds a logger for the given mode ("prod"/"production" or anything
// else for development output) and level name.
func New(mode, level string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, err
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugared: zapLogger.Sugar()}, nil
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(l *zap.Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{sugared: l.Sugar()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sugared: zap.NewNop().Sugar()}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	if l == nil || l.sugared == nil {
		return
	}
	_ = l.sugared.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	if l == nil || l.sugared == nil {
		return
	}
	l.sugared.Debugw(msg, sanitizeKVs(keysAndValues)...)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	if l == nil || l.sugared == nil {
		return
	}
	l.sugared.Infow(msg, sanitizeKVs(keysAndValues)...)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	if l == nil || l.sugared == nil {
		return
	}
	l.sugared.Warnw(msg, sanitizeKVs(keysAndValues)...)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	if l == nil || l.sugared == nil {
		return
	}
	l.sugared.Errorw(msg, sanitizeKVs(keysAndValues)...)
}

// With returns a child logger carrying the given fields.
func (l *Logger) With(keysAndValues ...any) *Logger {
	if l == nil || l.sugared == nil {
		return Nop()
	}
	return &Logger{sugared: l.sugared.With(sanitizeKVs(keysAndValues)...)}
}

// Printf adapts the logger to printf-style callbacks.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.sugared == nil {
		return
	}
	l.sugared.Infof(format, args...)
}

// sanitizeKVs redacts values whose key names secret material.
func sanitizeKVs(kv []any) []any {
	if len(kv) == 0 {
		return kv
	}
	out := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key, _ := kv[i].(string)
		if isRedactKey(strings.ToLower(key)) {
			out = append(out, kv[i], "[REDACTED]")
			continue
		}
		out = append(out, kv[i], kv[i+1])
	}
	return out
}

func isRedactKey(key string) bool {
	switch {
	case strings.Contains(key, "hmac"),
		strings.Contains(key, "secret"),
		strings.Contains(key, "password"),
		strings.Contains(key, "credential"):
		return true
	default:
		return false
	}
}
