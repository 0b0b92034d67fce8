// Package logging sets up zerolog for every subsystem in this binary,
// grounded on itsrenoria-robofuse's internal/logger: a console writer for
// interactive use multi-written alongside a lumberjack-rotated file, with
// one child logger per subsystem carrying a "component" field.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where logs go and at what level.
type Config struct {
	Level      string // trace/debug/info/warn/error
	FilePath   string // empty disables file rotation
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
}

var (
	base        zerolog.Logger
	initialized bool
)

// Init builds the process-wide base logger. Call once at startup; New
// then derives component loggers from it.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	if cfg.Console || cfg.FilePath == "" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	if cfg.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		})
	}

	base = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
	initialized = true
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New returns a logger tagged with the given subsystem name, e.g.
// logging.New("orchestrator"). Safe to call before Init (falls back to a
// plain stderr writer) so package-level var initializers and tests can
// use it without a composition root.
func New(component string) zerolog.Logger {
	l := base
	if !initialized {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	return l.With().Str("component", component).Logger()
}
