package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"RefreshWorker/internal/conf"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ServiceName is attached to every log entry.
const ServiceName = "RefreshWorker"

// beijing 与 gateway 的日志和 expires_at 使用同一时区
var beijing = time.FixedZone("CST", 8*3600)

// customTimeEncoder 使用北京时间 (UTC+8) 格式化时间
func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.In(beijing).Format("[2006-01-02 15:04:05]"))
}

// Option customizes the sinks used by NewZapLogger.
type Option func(*sinks)

type sinks struct {
	stdout io.Writer
	stderr io.Writer
}

// WithOutputs replaces stdout/stderr, mainly for tests.
func WithOutputs(stdout, stderr io.Writer) Option {
	return func(s *sinks) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

// ParseLevel accepts zap level names plus the upper-case / "warning"
// spellings operators tend to put in LOG_LEVEL.
func ParseLevel(name string) (zapcore.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	switch normalized {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		normalized = "warn"
	case "critical":
		normalized = "fatal"
	}
	level, err := zapcore.ParseLevel(normalized)
	if err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}

// NewZapLogger creates a new Zap logger based on the provided configuration
func NewZapLogger(cfg *conf.Log, opts ...Option) (*zap.Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("log config is nil")
	}

	out := &sinks{stdout: os.Stdout, stderr: os.Stderr}
	for _, opt := range opts {
		opt(out)
	}

	// cfg.Env 为空时读取 WORKER_ENV，默认 production
	env := cfg.Env
	if env == "" {
		env = os.Getenv("WORKER_ENV")
		if env == "" {
			env = "production"
		}
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     customTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "console" || env == "development" {
		encoder = NewEmojiConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	cores := []zapcore.Core{
		// < ERROR → stdout
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out.stdout)),
			zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
				return lvl >= level && lvl < zapcore.ErrorLevel
			})),
		// ERROR+ → stderr
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out.stderr)),
			zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
				return lvl >= zapcore.ErrorLevel && lvl >= level
			})),
	}

	if cfg.OutputFile != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    50, // megabytes
			MaxAge:     14, // days
			MaxBackups: 5,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(encoder, fileWriter, level))
	}

	return zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddCallerSkip(2), // KratosAdapter + log.Helper
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", ServiceName)),
	), nil
}
