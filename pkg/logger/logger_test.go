package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New("test", LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	_, err := New("test", LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestWithContext_AddsRequestID(t *testing.T) {
	log, err := New("messages", LoggingConfig{Format: "json", Level: "debug"})
	require.NoError(t, err)

	var buf bytes.Buffer
	log.Logger.SetOutput(&buf)

	ctx := WithRequestID(context.Background(), "req-1")
	log.WithContext(ctx).WithField("user_id", "u1").Info("loaded")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "messages", entry["component"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "loaded", entry["msg"])
}

func TestNamed(t *testing.T) {
	log := NewDiscard().Named("realtime")
	assert.Equal(t, "realtime", log.Data["component"])
}

func TestRequestID_Empty(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
}
