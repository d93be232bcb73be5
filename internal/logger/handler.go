package logger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Handler is a slog.Handler that produces compact, human-readable lines:
//
//	15:04:05.000  INFO   message text  key=val key2="val with spaces"
//
// When color is enabled, ANSI escapes are applied to timestamp, level and
// message.
type Handler struct {
	level slog.Level
	w     io.Writer
	color bool
	mu    sync.Mutex
	attrs []slog.Attr
	group string
}

// NewHandler creates a Handler writing to w at the given minimum level.
func NewHandler(w io.Writer, level slog.Level, color bool) *Handler {
	return &Handler{level: level, w: w, color: color}
}

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
	ansiBold  = "\033[1m"
)

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m" // red
	case level >= slog.LevelWarn:
		return "\033[33m" // yellow
	case level >= slog.LevelInfo:
		return "\033[36m" // cyan
	default:
		return "\033[90m" // gray
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	h.colored(&buf, ansiDim, r.Time.Format("15:04:05.000"))
	buf.WriteString("  ")
	h.colored(&buf, levelColor(r.Level), fmt.Sprintf("%-5s", r.Level.String()))
	buf.WriteString("  ")
	h.colored(&buf, ansiBold, r.Message)

	for _, a := range h.attrs {
		h.writeAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&buf, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *Handler) colored(buf *bytes.Buffer, code, s string) {
	if h.color {
		buf.WriteString(code)
		buf.WriteString(s)
		buf.WriteString(ansiReset)
		return
	}
	buf.WriteString(s)
}

func (h *Handler) writeAttr(buf *bytes.Buffer, a slog.Attr) {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	buf.WriteByte(' ')
	buf.WriteString(key)
	buf.WriteByte('=')
	buf.WriteString(formatValue(a.Value))
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{level: h.level, w: h.w, color: h.color, attrs: merged, group: h.group}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &Handler{level: h.level, w: h.w, color: h.color, attrs: h.attrs, group: g}
}

// formatValue renders a slog.Value, quoting strings that contain spaces,
// quotes or separators.
func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return maybeQuote(v.String())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format("15:04:05.000")
	case slog.KindGroup:
		var parts []string
		for _, a := range v.Group() {
			parts = append(parts, a.Key+"="+formatValue(a.Value))
		}
		return strings.Join(parts, " ")
	default:
		return maybeQuote(fmt.Sprintf("%v", v.Any()))
	}
}

func maybeQuote(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \"=\n\t") {
		return strconv.Quote(s)
	}
	return s
}
