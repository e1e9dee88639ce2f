package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/aosedge/aos-sm/pkg/types"
)

// Logger is the global base logger instance.
var Logger zerolog.Logger

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
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

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with a subsystem name,
// e.g. "launcher", "layermanager", "networkmanager".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithInstance creates a child logger tagged with an instance ident.
func WithInstance(logger zerolog.Logger, ident types.InstanceIdent) zerolog.Logger {
	return logger.With().
		Str("serviceId", ident.ServiceID).
		Str("subjectId", ident.SubjectID).
		Uint64("instance", ident.Instance).
		Logger()
}

// WithNetworkID creates a child logger tagged with a network ID.
func WithNetworkID(logger zerolog.Logger, networkID string) zerolog.Logger {
	return logger.With().Str("networkId", networkID).Logger()
}

// WithLayerDigest creates a child logger tagged with a layer digest.
func WithLayerDigest(logger zerolog.Logger, digest string) zerolog.Logger {
	return logger.With().Str("layerDigest", digest).Logger()
}

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
