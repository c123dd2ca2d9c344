package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger_FileOutput(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, err := NewLogger("debug", "json", logFile)
	require.NoError(t, err)
	logger.Info("hello", zap.String("foo", "bar"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"foo\":\"bar\"")
}

func TestNewLogger_StdoutOutput(t *testing.T) {
	logger, err := NewLogger("info", "json", "")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_AllLevels(t *testing.T) {
	tests := []struct {
		level string
	}{
		{"debug"},
		{"info"},
		{"warn"},
		{"error"},
		{""},        // defaults to info
		{"invalid"}, // defaults to info
		{"DEBUG"},   // case insensitive
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(tt.level, "json", "")
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_AllFormats(t *testing.T) {
	tests := []struct {
		format string
	}{
		{"json"},
		{"console"},
		{"JSON"},
		{"invalid"},
		{""},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			logger, err := NewLogger("info", tt.format, "")
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_ConsoleFormat(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "console.log")

	logger, err := NewLogger("debug", "console", logFile)
	require.NoError(t, err)
	logger.Info("test message", zap.String("key", "value"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "test message")
	assert.Contains(t, string(data), "key")
}

func TestNewLogger_FileError(t *testing.T) {
	invalidPath := "/non/existent/directory/test.log"

	logger, err := NewLogger("info", "json", invalidPath)
	assert.Error(t, err)
	assert.Nil(t, logger)
}

func TestNewComponentLogger(t *testing.T) {
	logger, err := NewComponentLogger("info", "json", "", ComponentLifecycle)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithCorrelationID(ctx, "corr-456")
	ctx = WithClientIP(ctx, "192.168.1.1")
	ctx = WithUserAgent(ctx, "test-agent")
	ctx = WithComponent(ctx, ComponentNegotiate)

	reqID, ok := GetRequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-123", reqID)

	corrID, ok := GetCorrelationID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "corr-456", corrID)

	fields := ExtractContextFields(ctx)
	assert.Len(t, fields, 5)
}

func TestGetRequestID_Empty(t *testing.T) {
	_, ok := GetRequestID(context.Background())
	assert.False(t, ok)
}

func TestGetCorrelationID_Empty(t *testing.T) {
	_, ok := GetCorrelationID(context.Background())
	assert.False(t, ok)
}

func TestWithContext_NoFields(t *testing.T) {
	logger, err := NewLogger("info", "json", "")
	require.NoError(t, err)
	got := WithContext(logger, context.Background())
	assert.Equal(t, logger, got)
}
