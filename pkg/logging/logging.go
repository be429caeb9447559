package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DirEnv names the environment variable holding the program's working
// directory. Log files go to its log subdirectory.
const DirEnv = "CARP_DIR"

type Options struct {
	Dir   string
	Level string
	// Console defaults to stderr.
	Console io.Writer
	Now     func() time.Time
}

// FileName returns the log file name for a program started at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("app_%s.log", t.Format("20060102_150405"))
}

// Dir resolves the log directory: an explicit dir wins, then $CARP_DIR/log.
// It returns an empty string when neither is set.
func Dir(dir string) string {
	if dir != "" {
		return dir
	}
	if base := os.Getenv(DirEnv); base != "" {
		return filepath.Join(base, "log")
	}
	return ""
}

// Setup builds the program logger. The returned closer flushes and closes
// the log file and is never nil.
func Setup(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.DebugLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}

	var closer io.Closer = nopCloser{}
	if dir := Dir(opts.Dir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("error creating log dir: %w", err)
		}
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		f, err := os.OpenFile(filepath.Join(dir, FileName(now())), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("error opening log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
