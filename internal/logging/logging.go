// Package logging builds the zerolog loggers used by the chatsync commands.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Config holds logger configuration.
type Config struct {
	Level string `toml:"level,omitempty" mapstructure:"level"`
	// Pretty forces console output; when unset it follows whether the
	// output is a terminal.
	Pretty *bool `toml:"pretty,omitempty" mapstructure:"pretty"`
}

// New creates a logger writing to w.
func New(w io.Writer, cfg Config) zerolog.Logger {
	pretty := isTerminal(w)
	if cfg.Pretty != nil {
		pretty = *cfg.Pretty
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// Stderr is New on os.Stderr.
func Stderr(cfg Config) zerolog.Logger {
	return New(os.Stderr, cfg)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
