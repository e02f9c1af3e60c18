package src

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"sync"

	"github.com/fatih/color"
)

// ColorHandler is a human-oriented slog handler: colored level, compact
// timestamp, message, then the attributes as indented JSON.
type ColorHandler struct {
	mu     *sync.Mutex
	l      *log.Logger
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

func NewColorHandler(out io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	level := slog.Leveler(slog.LevelInfo)
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &ColorHandler{
		mu:    &sync.Mutex{},
		l:     log.New(out, "", 0),
		level: level,
	}
}

func (h *ColorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	switch r.Level {
	case slog.LevelDebug:
		level = color.WhiteString(level)
	case slog.LevelInfo:
		level = color.GreenString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	default:
		level = color.HiWhiteString(level)
	}
	timeStr := r.Time.Format("[15:04:05]")
	message := color.HiWhiteString(r.Message)

	fields := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[h.prefix+a.Key] = a.Value.Resolve().Any()
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(fields) == 0 {
		h.l.Println(timeStr, level, message)
		return nil
	}
	j, err := json.MarshalIndent(fields, "", " ")
	if err != nil {
		return err
	}
	h.l.Println(timeStr, level, message, color.WhiteString(string(j)))
	return nil
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		nh.attrs = append(nh.attrs, a)
	}
	return nh
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.prefix = h.prefix + name + "."
	return nh
}

func (h *ColorHandler) clone() *ColorHandler {
	return &ColorHandler{
		mu:     h.mu,
		l:      h.l,
		level:  h.level,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		prefix: h.prefix,
	}
}
