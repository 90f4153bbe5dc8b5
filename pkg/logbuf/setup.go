package logbuf

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps DEBUG, INFO, WARNING, ERROR and CRITICAL to zerolog levels.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "INFO", "":
		return zerolog.InfoLevel, nil
	case "WARNING", "WARN":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	case "CRITICAL":
		return zerolog.FatalLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
}

// Options configures Setup.
type Options struct {
	Level string

	// File is appended to when set.
	File string

	// Console defaults to stdout. Set Quiet to disable it.
	Console io.Writer
	Quiet   bool

	// Buffer receives every event when set.
	Buffer *Buffer
}

// Setup builds the process logger. The returned close function closes the
// log file, if any.
func Setup(opts Options) (zerolog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	var writers []io.Writer
	if !opts.Quiet {
		out := opts.Console
		if out == nil {
			out = os.Stdout
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.DateTime,
		})
	}
	if opts.Buffer != nil {
		writers = append(writers, opts.Buffer)
	}

	closeFn := func() error { return nil }
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		closeFn = f.Close
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	logger.Info().Str("level", strings.ToUpper(opts.Level)).Msg("logging configured")
	return logger, closeFn, nil
}
