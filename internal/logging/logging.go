package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Options selects the sink and verbosity of the process logger.
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // "console" or "json"
	Debug  bool   // forces debug level, mirrors MAILRUN_DEBUG=1
	Writer io.Writer
}

// New builds the process logger.
func New(opts Options) zerolog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(strings.TrimSpace(opts.Format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}

	level := ParseLevel(opts.Level, zerolog.InfoLevel)
	if opts.Debug && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level, returning def when the
// name is empty or unknown.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def
	}
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}

// RedactEmail masks an address for logging:
// "john.doe@example.com" becomes "jo***@example.com", and local parts of two
// characters or fewer are fully masked.
func RedactEmail(address string) string {
	parts := strings.Split(address, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}
