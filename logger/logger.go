package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// EnvLogLevel sets the global log level, info when unset or unknown
	EnvLogLevel = "SLOTTY_LOG_LEVEL"

	// EnvLogFormatJSON switches from the console writer to json lines when set
	EnvLogFormatJSON = "SLOTTY_LOG_FORMAT_JSON"
)

// NewLogger instantiate zerolog configuration from the environment
func NewLogger() *zerolog.Logger {
	return New(os.Stdout, os.Getenv(EnvLogLevel), strings.TrimSpace(os.Getenv(EnvLogFormatJSON)) != "")
}

// New builds a logger writing to out. level also sets the zerolog global level
func New(out io.Writer, level string, json bool) *zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(level))

	var logger zerolog.Logger
	if json {
		logger = zerolog.New(out).With().Timestamp().Caller().Logger()
		return &logger
	}

	output := zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}
	output.FormatLevel = func(i any) string {
		return strings.ToUpper(fmt.Sprintf("| %s |", i))
	}
	output.FormatMessage = func(i any) string {
		return fmt.Sprintf("%s", i)
	}
	logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	return &logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "panic":
		return zerolog.PanicLevel
	case "fatal":
		return zerolog.FatalLevel
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	}
	return zerolog.InfoLevel
}
