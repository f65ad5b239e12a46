// Package pglog provides the process-wide structured logger used by every
// component of pgmoneta, from the supervisor down to a single replication
// session.
package pglog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Init must be called once at startup
// before any component logs; until then Logger defaults to a console writer
// at info level so unit tests and early init code never panic on a zero
// value.
var Logger zerolog.Logger

// Level is a pgmoneta log level name as it appears in pgmoneta.conf.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
	FatalLevel Level = "fatal"
)

// Config controls logger construction.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// Init (re)configures the global logger. Called once from each binary's
// root command after flags/config are parsed, and again on a SIGHUP reload.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	case FatalLevel:
		level = zerolog.FatalLevel
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

// WithComponent tags a child logger with the originating component name,
// e.g. "supervisor", "wal-streamer", "reconstructor".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithServer tags a child logger with the server name a component acts on
// behalf of.
func WithServer(server string) zerolog.Logger {
	return Logger.With().Str("server", server).Logger()
}

// WithBackup tags a child logger with a backup label.
func WithBackup(label string) zerolog.Logger {
	return Logger.With().Str("backup", label).Logger()
}

// WithWAL tags a child logger with a WAL segment file name.
func WithWAL(segment string) zerolog.Logger {
	return Logger.With().Str("wal_segment", segment).Logger()
}
