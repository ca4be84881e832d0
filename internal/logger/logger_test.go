package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restore(t *testing.T) {
	t.Helper()
	saved, savedOut := Logger, output
	t.Cleanup(func() {
		Logger, output = saved, savedOut
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Level
	}{
		{"debug", log.DebugLevel},
		{"INFO", log.InfoLevel},
		{"warn", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"fatal", log.FatalLevel},
		{"verbose", log.InfoLevel},
		{"", log.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.in))
		})
	}
}

func TestConfigure_FlagBeatsEnv(t *testing.T) {
	restore(t)
	t.Setenv("NEUROCHAT_LOG_LEVEL", "error")

	require.NoError(t, Configure("debug", "", false))
	assert.Equal(t, log.DebugLevel, Logger.GetLevel())

	require.NoError(t, Configure("", "", false))
	assert.Equal(t, log.ErrorLevel, Logger.GetLevel())
}

func TestConfigure_TestModeForcesInfo(t *testing.T) {
	restore(t)
	require.NoError(t, Configure("debug", "", true))
	assert.Equal(t, log.InfoLevel, Logger.GetLevel())
}

func TestConfigure_LogFile(t *testing.T) {
	restore(t)
	path := filepath.Join(t.TempDir(), "neurochat.log")

	require.NoError(t, Configure("info", path, false))
	Info("written to file", "component", "test")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), "component=test")
}

func TestConfigure_BadLogFile(t *testing.T) {
	restore(t)
	err := Configure("info", filepath.Join(t.TempDir(), "missing", "dir", "x.log"), false)
	assert.Error(t, err)
}

func TestSetOutput_KeepsLevel(t *testing.T) {
	restore(t)
	require.NoError(t, Configure("warn", "", false))

	var buf bytes.Buffer
	SetOutput(&buf)
	Info("hidden")
	Warn("shown")

	assert.Equal(t, log.WarnLevel, Logger.GetLevel())
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestProviderAttempt(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	SetOutput(&buf)
	Logger.SetLevel(log.DebugLevel)

	ProviderAttempt("web", 2, "account", 1)
	out := buf.String()
	assert.Contains(t, out, "Provider attempt")
	assert.Contains(t, out, "provider=web")
	assert.Contains(t, out, "attempt=2")
	assert.Contains(t, out, "account=1")
}

func TestNewStyledLogger_FollowsGlobalOutput(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	SetOutput(&buf)
	Logger.SetLevel(log.DebugLevel)

	l := NewStyledLogger("HTTP")
	assert.Equal(t, log.DebugLevel, l.GetLevel())
	l.Debug("Request", "status", 200)
	assert.Contains(t, buf.String(), "HTTP")
	assert.Contains(t, buf.String(), "Request")
}
