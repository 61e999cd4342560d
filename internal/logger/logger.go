package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// SlogConfig controls the structured logger.
type SlogConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error (default info)
	Format     string `mapstructure:"format"` // text or json (default text)
	Color      bool   `mapstructure:"color"`  // ANSI colors for text output on a terminal
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig routes log output to a rotating file instead of stderr.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // Gzip rotated files
}

// Config is the logging section of the beacon configuration.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Validate checks level and format names.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Slog.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Slog.Format) {
	case "", FormatText, FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", c.Slog.Format)
	}
	return nil
}

// Writer returns the rotating file writer, or nil when no file is configured.
func (c Config) Writer() io.WriteCloser {
	if c.File.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File.Path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// NewSlogger builds a logger writing to the configured file, or to w
// (os.Stderr when nil). The returned closer releases the file and is never nil.
func (c Config) NewSlogger(w io.Writer) (*slog.Logger, io.Closer) {
	level, err := ParseLevel(c.Slog.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: c.Slog.Source}

	var closer io.Closer = nopCloser{}
	color := c.Slog.Color
	if fw := c.Writer(); fw != nil {
		w = fw
		closer = fw
		color = false
	} else if w == nil {
		w = os.Stderr
	}

	var h slog.Handler
	switch {
	case strings.EqualFold(c.Slog.Format, FormatJSON):
		h = slog.NewJSONHandler(w, opts)
	case color:
		h = NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	default:
		if !c.Slog.TimeStamps {
			opts.ReplaceAttr = dropTime
		}
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
