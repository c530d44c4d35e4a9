// Package logging configures the process-wide zerolog logger.
//
// Logs always go to stderr in the CLI because stdout carries command output
// and the MCP stdio transport.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Formats accepted by Setup
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Setup installs a global logger writing to w at the given level
func Setup(level, format string, w io.Writer) error {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	out := w
	switch strings.ToLower(format) {
	case "", FormatConsole:
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: true}
	case FormatJSON:
	default:
		return fmt.Errorf("invalid log format %q (want console or json)", format)
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return nil
}

// WithRun returns a logger tagged with a run identifier
func WithRun(runID string) zerolog.Logger {
	return log.With().Str("run", runID).Logger()
}
