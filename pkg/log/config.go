package log

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"
)

// Config declares a logger: level, format and a single output.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	// Output is "stderr" (default), "stdout", "null" or a file path.
	Output string
}

// ParseLevel maps a level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// ApplyConfig builds a logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{}
	case "json":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	var out Output
	switch cfg.Output {
	case "", "stderr":
		out = NewConsoleOutput()
	case "stdout":
		out = NewWriterOutput(os.Stdout)
	case "null":
		out = NullOutput{}
	default:
		fo, err := NewFileOutput(cfg.Output)
		if err != nil {
			return nil, fmt.Errorf("log: open output: %w", err)
		}
		out = fo
	}
	return NewLogger(WithLevel(level), WithFormatter(formatter), WithOutput(out)), nil
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() Logger {
	return NewLogger(WithLevel(ErrorLevel), WithOutput(NullOutput{}))
}

// stdWriter adapts a Logger to io.Writer for the standard library logger.
type stdWriter struct{ l Logger }

func (w stdWriter) Write(p []byte) (int, error) {
	w.l.Info(strings.TrimRight(string(p), "\n"), Str("source", "stdlib"))
	return len(p), nil
}

// ToStdLogger returns a *log.Logger that writes through l.
func ToStdLogger(l Logger) *stdlog.Logger {
	return stdlog.New(stdWriter{l: l}, "", 0)
}

// RedirectStdLog sends output of the standard library's default logger
// (used by pebble and net/http) through l.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetPrefix("")
	stdlog.SetOutput(stdWriter{l: l})
}
