package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var Logger = zerolog.Nop()

// Init configures the global logger. format "json" writes structured lines,
// anything else uses the console writer.
func Init(level, format string) zerolog.Logger {
	return InitWriter(os.Stdout, level, format)
}

func InitWriter(out io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger().Level(lvl)
	log.Logger = Logger
	return Logger
}

// Module returns a child logger tagged with the component name.
func Module(name string) zerolog.Logger {
	return Logger.With().Str("module", name).Logger()
}
