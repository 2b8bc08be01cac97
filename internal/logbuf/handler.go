package logbuf

import (
	"context"
	"log/slog"
)

// providerKey is the attribute the gateway attaches to provider-scoped
// log lines. The handler lifts it onto the Entry itself so the log
// endpoint can filter on it without scanning attribute maps.
const providerKey = "provider"

// Handler tees slog records into a Buffer and delegates to an inner
// handler for normal output.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a handler that writes to both buf and inner.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

// Enabled always reports true: the buffer captures every level so the
// API can serve DEBUG lines even when stdout is filtered to INFO. The
// inner handler's own filter is applied in Handle.
func (h *Handler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}

	// Pre-bound attrs from With() first, then record attrs, so a
	// per-record provider wins over a logger-wide one.
	for _, a := range h.attrs {
		h.capture(&e, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.capture(&e, a)
		return true
	})

	h.buf.Write(e)

	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

// capture stores one attribute on the entry. The provider attr becomes
// the Entry.Provider field; everything else lands in the attrs map
// under its group-qualified key.
func (h *Handler) capture(e *Entry, a slog.Attr) {
	v := a.Value.Resolve()

	if a.Key == providerKey && len(h.groups) == 0 {
		if s, ok := v.Any().(string); ok {
			e.Provider = s
			return
		}
	}

	key := a.Key
	for _, g := range h.groups {
		key = g + "." + key
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]any)
	}
	// Errors serialize to {} as JSON; store their text instead.
	if err, ok := v.Any().(error); ok {
		e.Attrs[key] = err.Error()
		return
	}
	e.Attrs[key] = v.Any()
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		inner:  h.inner.WithAttrs(attrs),
		buf:    h.buf,
		attrs:  append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		groups: h.groups,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		inner:  h.inner.WithGroup(name),
		buf:    h.buf,
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
	}
}
