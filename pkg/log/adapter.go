// Package log provides logging utilities for RefreshWorker.
// It includes a Zap logger wrapper with Kratos adapter and automatic field sanitization.
package log

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"go.uber.org/zap"
)

// KratosAdapter adapts Zap logger to Kratos log.Logger interface
type KratosAdapter struct {
	zapLogger *zap.Logger
}

// NewKratosAdapter creates a new Kratos adapter for Zap logger
func NewKratosAdapter(zapLogger *zap.Logger) log.Logger {
	return &KratosAdapter{
		zapLogger: zapLogger,
	}
}

// Log implements Kratos log.Logger interface.
// The "msg" key (log.DefaultMessageKey) becomes the zap message, every other
// pair becomes a sanitized field.
func (a *KratosAdapter) Log(level log.Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "KEYVALS UNPAIRED")
	}

	var msg string
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		value := keyvals[i+1]

		if key == log.DefaultMessageKey && msg == "" {
			msg = fmt.Sprint(value)
			continue
		}

		switch v := value.(type) {
		case string:
			fields = append(fields, zap.String(key, SanitizeField(key, v)))
		case error:
			fields = append(fields, zap.String(key, SanitizeField(key, v.Error())))
		case fmt.Stringer:
			fields = append(fields, zap.String(key, SanitizeField(key, v.String())))
		default:
			fields = append(fields, zap.Any(key, value))
		}
	}

	switch level {
	case log.LevelDebug:
		a.zapLogger.Debug(msg, fields...)
	case log.LevelInfo:
		a.zapLogger.Info(msg, fields...)
	case log.LevelWarn:
		a.zapLogger.Warn(msg, fields...)
	case log.LevelError:
		a.zapLogger.Error(msg, fields...)
	case log.LevelFatal:
		a.zapLogger.Fatal(msg, fields...)
	default:
		a.zapLogger.Info(msg, fields...)
	}

	return nil
}

// Sync flushes buffered entries.
func (a *KratosAdapter) Sync() error {
	return a.zapLogger.Sync()
}
