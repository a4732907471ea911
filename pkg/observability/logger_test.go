package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug should be filtered at info level")

	logger.Info("info message")
	entry := decodeEntry(t, &buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "info message", entry["msg"])

	buf.Reset()
	logger.Warn("warn message")
	assert.Equal(t, "WARN", decodeEntry(t, &buf)["level"])

	buf.Reset()
	logger.Error("error message")
	assert.Equal(t, "ERROR", decodeEntry(t, &buf)["level"])
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithField("group", "orders").
		WithFields(map[string]interface{}{"attempts": 2}).
		WithError(errors.New("boom")).
		Debugf("registered %s", "order")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "orders", entry["group"])
	assert.Equal(t, float64(2), entry["attempts"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "registered order", entry["msg"])

	assert.Same(t, logger, logger.WithError(nil))
}

func TestLogger_Formatters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Infof("test %d", 123)
	assert.Equal(t, "test 123", decodeEntry(t, &buf)["msg"])

	buf.Reset()
	logger.Warnf("warning %s", "test")
	assert.Equal(t, "warning test", decodeEntry(t, &buf)["msg"])

	buf.Reset()
	logger.Errorf("error %v", "test")
	assert.Equal(t, "error test", decodeEntry(t, &buf)["msg"])
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"warning", WarnLevel, false},
		{" error ", ErrorLevel, false},
		{"trace", InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "LogLevel(9)", LogLevel(9).String())
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetActor(ctx))
	assert.NotNil(t, GetLogger(ctx))

	var buf bytes.Buffer
	ctx = WithLogger(ctx, NewLogger(InfoLevel, &buf))
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithActor(ctx, "alice")

	assert.Equal(t, "req-123", GetRequestID(ctx))
	assert.Equal(t, "alice", GetActor(ctx))

	FromContext(ctx).Info("hello")
	entry := decodeEntry(t, &buf)
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "alice", entry["actor"])
}
