package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with a component field, for the
// control loops and API handlers that tag every line with their
// subsystem rather than a single entity id.
func WithComponent(component string) zerolog.Logger {
	return With("component", component)
}

// With creates a child logger carrying one string field, the building
// block behind the entity-scoped constructors below (host_id,
// lease_id, vm_id): every lease/host/VM log line in fleetd traces back
// to one of these three ids, so they share this one implementation
// instead of each repeating Logger.With().Str(...).Logger().
func With(field, value string) zerolog.Logger {
	return Logger.With().Str(field, value).Logger()
}

// WithHostID creates a child logger with host_id field.
func WithHostID(hostID string) zerolog.Logger { return With("host_id", hostID) }

// WithLeaseID creates a child logger with lease_id field.
func WithLeaseID(leaseID string) zerolog.Logger { return With("lease_id", leaseID) }

// WithVMID creates a child logger with vm_id field.
func WithVMID(vmID string) zerolog.Logger { return With("vm_id", vmID) }

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
