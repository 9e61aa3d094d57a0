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

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// JSON for machines, console writer for humans
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJobID creates a child logger with job_id field
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

// WithRunnerID creates a child logger with runner_id field
func WithRunnerID(runnerID string) zerolog.Logger {
	return Logger.With().Str("runner_id", runnerID).Logger()
}

// WithRepository creates a child logger with repository field
func WithRepository(repo string) zerolog.Logger {
	return Logger.With().Str("repository", repo).Logger()
}

// WithContainerID creates a child logger with container_id field
func WithContainerID(containerID string) zerolog.Logger {
	return Logger.With().Str("container_id", containerID).Logger()
}

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
