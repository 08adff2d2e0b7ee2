package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"RefreshWorker/internal/conf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewZapLogger_NilConfig(t *testing.T) {
	_, err := NewZapLogger(nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "log config is nil")
}

func TestNewZapLogger_InvalidLevel(t *testing.T) {
	_, err := NewZapLogger(&conf.Log{Level: "loud", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"INFO", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"WARNING", zapcore.WarnLevel},
		{" error ", zapcore.ErrorLevel},
		{"CRITICAL", zapcore.FatalLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewZapLogger_SplitsStdoutAndStderr(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, err := NewZapLogger(&conf.Log{Level: "info", Format: "json", Env: "production"},
		WithOutputs(&stdout, &stderr))
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("cycle started")
	logger.Error("store unavailable")
	_ = logger.Sync()

	assert.NotContains(t, stdout.String(), "hidden")
	assert.Contains(t, stdout.String(), "cycle started")
	assert.Contains(t, stdout.String(), `"service":"RefreshWorker"`)
	assert.NotContains(t, stdout.String(), "store unavailable")
	assert.Contains(t, stderr.String(), "store unavailable")
}

func TestNewZapLogger_ConsoleFormatUsesEmoji(t *testing.T) {
	var stdout bytes.Buffer
	logger, err := NewZapLogger(&conf.Log{Level: "debug", Format: "console"},
		WithOutputs(&stdout, &bytes.Buffer{}))
	require.NoError(t, err)

	logger.Info("reaped child", zap.String("type", "reaper"))
	_ = logger.Sync()

	assert.Contains(t, stdout.String(), "🧹 reaped child")
}

func TestNewZapLogger_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "worker.log")
	logger, err := NewZapLogger(&conf.Log{Level: "info", Format: "json", OutputFile: logFile},
		WithOutputs(&bytes.Buffer{}, &bytes.Buffer{}))
	require.NoError(t, err)

	logger.Info("written to file", zap.String("account_id", "acc-1"))
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), "written to file"))
	assert.Contains(t, string(content), `"account_id":"acc-1"`)
}

func TestNewZapLogger_EnvFromVariable(t *testing.T) {
	t.Setenv("WORKER_ENV", "development")

	var stdout bytes.Buffer
	logger, err := NewZapLogger(&conf.Log{Level: "info", Format: "json"}, WithOutputs(&stdout, &bytes.Buffer{}))
	require.NoError(t, err)

	logger.Info("dev mode")
	_ = logger.Sync()

	// development 强制使用 console encoder
	assert.NotContains(t, stdout.String(), `"msg":"dev mode"`)
	assert.Contains(t, stdout.String(), "dev mode")
}
