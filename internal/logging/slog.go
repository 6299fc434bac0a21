package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

type Options struct {
	Level      slog.Level
	UseColor   bool
	TimeFormat string
	LevelWidth int
}

func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		TimeFormat: time.RFC3339,
		LevelWidth: 5,
	}
}

// PrettyHandler is a human-readable slog.Handler for terminal output:
// timestamp, padded level, message, then key=value attributes.
type PrettyHandler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	groups []string
	attrs  []slog.Attr

	colorTime   func(...any) string
	colorFields func(...any) string
	colorLevel  map[slog.Level]func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *Options) *PrettyHandler {
	if opts == nil {
		d := DefaultOptions()
		opts = &d
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.LevelWidth < 4 {
		opts.LevelWidth = 5
	}

	h := &PrettyHandler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColorFuncs()

	return h
}

func (h *PrettyHandler) initColorFuncs() {
	if !h.opts.UseColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime = plain
		h.colorFields = plain
		h.colorLevel = map[slog.Level]func(...any) string{}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	if !r.Time.IsZero() {
		buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
		buf.WriteByte(' ')
	}
	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteByte(' ')
	buf.WriteString(r.Message)

	prefix := strings.Join(h.groups, ".")
	for _, attr := range h.attrs {
		h.appendAttr(buf, prefix, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		h.appendAttr(buf, prefix, attr)
		return true
	})

	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	next := h.clone()
	next.attrs = append(next.attrs, attrs...)
	return next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

func (h *PrettyHandler) clone() *PrettyHandler {
	next := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		groups: append([]string(nil), h.groups...),
		attrs:  append([]slog.Attr(nil), h.attrs...),
	}
	next.initColorFuncs()

	return next
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	s := fmt.Sprintf("%-*s", h.opts.LevelWidth, level.String())
	if colorFunc, ok := h.colorLevel[level]; ok {
		return colorFunc(s)
	}

	return s
}

func (h *PrettyHandler) appendAttr(buf *bytes.Buffer, prefix string, attr slog.Attr) {
	value := attr.Value.Resolve()

	if value.Kind() == slog.KindGroup {
		key := attr.Key
		if prefix != "" {
			key = prefix + "." + key
		}
		for _, ga := range value.Group() {
			h.appendAttr(buf, key, ga)
		}
		return
	}

	key := attr.Key
	if prefix != "" {
		key = prefix + "." + key
	}

	var v string
	switch value.Kind() {
	case slog.KindTime:
		v = value.Time().Format(h.opts.TimeFormat)
	case slog.KindDuration:
		v = value.Duration().String()
	default:
		v = fmt.Sprint(value.Any())
	}
	if strings.ContainsAny(v, " \t") {
		v = fmt.Sprintf("%q", v)
	}

	buf.WriteByte(' ')
	buf.WriteString(h.colorFields(key + "=" + v))
}
