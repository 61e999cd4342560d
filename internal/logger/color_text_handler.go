package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const colorReset = "\033[0m"

// ColorTextHandler wraps slog.TextHandler and prints the level as a colored
// prefix ahead of each line. The prefix bypasses the text encoder, so the
// escape codes reach the terminal unquoted.
type ColorTextHandler struct {
	*slog.TextHandler
	out *colorWriter
}

// colorWriter prepends the prefix of the record being handled. The text
// handler emits one Write per record.
type colorWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func (c *colorWriter) Write(p []byte) (int, error) {
	if c.prefix == "" {
		return c.w.Write(p)
	}
	line := make([]byte, 0, len(c.prefix)+len(p))
	line = append(line, c.prefix...)
	line = append(line, p...)
	if _, err := c.w.Write(line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewColorTextHandler creates a new ColorTextHandler. When showTime is false
// the time attribute is dropped from every record.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || (!showTime && a.Key == slog.TimeKey)) {
			return slog.Attr{}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	cw := &colorWriter{w: w}
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(cw, &o), out: cw}
}

func levelColor(l slog.Level) string {
	switch l {
	case slog.LevelDebug:
		return "\033[36m" // Cyan
	case slog.LevelInfo:
		return "\033[32m" // Green
	case slog.LevelWarn:
		return "\033[33m" // Yellow
	case slog.LevelError:
		return "\033[31m" // Red
	default:
		return colorReset
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.prefix = levelColor(r.Level) + fmt.Sprintf("%-5s", r.Level.String()) + colorReset + " "
	defer func() { h.out.prefix = "" }()
	return h.TextHandler.Handle(ctx, r)
}

// WithAttrs keeps the color wrapper on derived handlers.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler), out: h.out}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler), out: h.out}
}
