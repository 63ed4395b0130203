package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }, "debug"},
		{"info", func(l *Logger) { l.Info("msg") }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg") }, "warn"},
		{"error", func(l *Logger) { l.Error("msg") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			zlog := zerolog.New(&out)
			tt.log(NewLogger(&zlog))

			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "msg", entry["message"])
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var out bytes.Buffer
	zlog := zerolog.New(&out).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Zero(t, out.Len(), "debug and info should be filtered out")

	logger.Warn("warn message")
	assert.NotZero(t, out.Len())
}

func TestLogger_Fields(t *testing.T) {
	var out bytes.Buffer
	zlog := zerolog.New(&out)
	logger := NewLogger(&zlog)

	logger.Info("plan decision applied",
		goplan.Field{Key: "identity_key", Value: "email:buyer@example.com"},
		goplan.Field{Key: "changed", Value: true},
		goplan.Field{Key: "error", Value: errors.New("boom")},
	)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "email:buyer@example.com", entry["identity_key"])
	assert.Equal(t, true, entry["changed"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogger_NilLogger(t *testing.T) {
	logger := NewLogger(nil)
	assert.NotPanics(t, func() { logger.Error("dropped") })
}
