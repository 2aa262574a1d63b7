package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	assert := assert.New(t)

	tests := []struct {
		logLevel string
		expected string
	}{
		{logLevel: "info", expected: "info"},
		{logLevel: "warn", expected: "warn"},
		{logLevel: "debug", expected: "debug"},
		{logLevel: "error", expected: "error"},
		{logLevel: "fatal", expected: "fatal"},
		{logLevel: "trace", expected: "trace"},
		{logLevel: "panic", expected: "panic"},
		{logLevel: " DEBUG ", expected: "debug"},
		{logLevel: "plop", expected: "info"},
	}

	for _, tc := range tests {
		t.Setenv(EnvLogLevel, tc.logLevel)
		_ = NewLogger()
		assert.Equal(tc.expected, zerolog.GlobalLevel().String())

		t.Setenv(EnvLogFormatJSON, "true")
		_ = NewLogger()
		assert.Equal(tc.expected, zerolog.GlobalLevel().String())
		t.Setenv(EnvLogFormatJSON, "")
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func TestNew(t *testing.T) {
	assert := assert.New(t)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	t.Run("json", func(t *testing.T) {
		var buffer bytes.Buffer
		logger := New(&buffer, "info", true)
		logger.Info().Str("address", "127.0.0.1:6000").Msgf("Testing logger")

		var line map[string]any
		assert.NoError(json.Unmarshal(buffer.Bytes(), &line))
		assert.Equal("Testing logger", line["message"])
		assert.Equal("127.0.0.1:6000", line["address"])
		assert.Contains(line, "caller")
	})

	t.Run("console", func(t *testing.T) {
		var buffer bytes.Buffer
		logger := New(&buffer, "info", false)
		logger.Info().Msgf("Testing logger")
		assert.Contains(buffer.String(), "| INFO |")
		assert.Contains(buffer.String(), "Testing logger")
	})

	t.Run("level_filtered", func(t *testing.T) {
		var buffer bytes.Buffer
		logger := New(&buffer, "warn", true)
		logger.Info().Msgf("Hidden")
		assert.Empty(buffer.String())
	})
}
