package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// Logger is a type alias for zerolog.Logger.
// We use zerolog directly instead of wrapping it with abstractions.
type Logger = zerolog.Logger

// Config contains logging configuration options.
type Config struct {
	// Level is the log level: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format is the log format: "json" or "text"
	// Default: "json"
	Format string `yaml:"format"`

	// Async enables asynchronous/non-blocking logging using a ring buffer.
	// Recommended in production so the realtime flip path never blocks on I/O.
	// Default: true
	Async bool `yaml:"async"`

	// AsyncBufferSize is the size of the async ring buffer (in bytes).
	// Default: 100000 (100KB)
	AsyncBufferSize int `yaml:"async_buffer_size"`

	// AsyncPollInterval is how often the async writer polls for messages (in milliseconds).
	// Default: 100
	AsyncPollInterval int `yaml:"async_poll_interval"`

	// EnableCaller adds caller information (file:line) to logs.
	// Useful for debugging but has performance overhead.
	// Default: false
	EnableCaller bool `yaml:"enable_caller"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:             "info",
		Format:            "json",
		Async:             true,
		AsyncBufferSize:   100000,
		AsyncPollInterval: 100,
		EnableCaller:      false,
	}
}

// NewLoggerFromConfig creates a logger from configuration.
func NewLoggerFromConfig(config Config) Logger {
	level := parseLevel(config.Level)

	var output io.Writer = os.Stderr

	if strings.ToLower(config.Format) == "text" {
		// ConsoleWriter for human-readable output (dev/debugging)
		output = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}
	}

	// Wrap with async diode writer for non-blocking I/O
	if config.Async {
		bufferSize := config.AsyncBufferSize
		if bufferSize <= 0 {
			bufferSize = 100000
		}

		pollInterval := config.AsyncPollInterval
		if pollInterval <= 0 {
			pollInterval = 100
		}

		// Diode writer drops old messages when the buffer is full.
		// We can't use the logger in the callback (recursion), so write directly to stderr.
		output = diode.NewWriter(output, bufferSize, time.Duration(pollInterval)*time.Millisecond, func(missed int) {
			if missed > 0 {
				_, _ = os.Stderr.WriteString("WARN: dropped log messages due to full buffer\n")
			}
		})
	}

	ctx := zerolog.New(output).Level(level).With().Timestamp()
	if config.EnableCaller {
		ctx = ctx.Caller()
	}

	return ctx.Logger()
}

// parseLevel returns the zerolog.Level for the given string. It returns InfoLevel
// if the string is not recognized.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ForComponent returns a child logger with the component field set.
// This is the preferred way to create component loggers.
func ForComponent(logger Logger, component string) Logger {
	return logger.With().Str(FieldComponent, component).Logger()
}

// ForSession returns a child logger with the session_id field set.
func ForSession(logger Logger, sessionID int64) Logger {
	return logger.With().Int64(FieldSessionID, sessionID).Logger()
}

// ForConnection returns a logger configured for a single realtime connection.
func ForConnection(logger Logger, remoteAddr string) Logger {
	return logger.With().
		Str(FieldComponent, ComponentConnectionHandler).
		Str(FieldRemoteAddr, remoteAddr).
		Logger()
}
