package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopoints/pkg/points"
)

var _ points.Logger = (*Logger)(nil)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg", points.Field{Key: "key", Value: "value"}) }},
		{"info", func(l *Logger) { l.Info("msg", points.Field{Key: "key", Value: "value"}) }},
		{"warn", func(l *Logger) { l.Warn("msg", points.Field{Key: "key", Value: "value"}) }},
		{"error", func(l *Logger) { l.Error("msg", points.Field{Key: "key", Value: "value"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var output bytes.Buffer
			logger := NewLogger(zerolog.New(&output))

			tt.log(logger)

			entry := decode(t, &output)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "msg", entry["message"])
			assert.Equal(t, "value", entry["key"])
		})
	}
}

func TestZerologLogger_FieldTypes(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output))

	logger.Info("debited",
		points.Field{Key: "user_id", Value: "user1"},
		points.Field{Key: "amount", Value: int64(40)},
		points.Field{Key: "blocks", Value: 2},
		points.Field{Key: "error", Value: errors.New("boom")},
		points.Field{Key: "repaired", Value: true},
	)

	entry := decode(t, &output)
	assert.Equal(t, "user1", entry["user_id"])
	assert.Equal(t, float64(40), entry["amount"])
	assert.Equal(t, float64(2), entry["blocks"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, true, entry["repaired"])
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("dropped")
	logger.Info("dropped")
	assert.Zero(t, output.Len())

	logger.Warn("kept")
	assert.NotZero(t, output.Len())
}
