package logger

import (
	"context"
	"io"
	"log/slog"
)

// ctxKey is used for getting/setting log attributes values within context.Context.
type ctxKey struct{}

// ContextHandler adds log attributes stored within context.Context
// to records logged by methods like slog.InfoContext.
type ContextHandler struct {
	slog.Handler
}

// New creates text logger writing to w, which considers
// attributes attached to context with WithAttrs.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceAttr,
	})))
}

// NewContextHandler creates new ContextHandler instance
// with provided handler as it's base.
func NewContextHandler(handler slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: handler}
}

// Handle adds contextual attributes to slog.Record entry
// before calling underlying handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs, ok := ctx.Value(ctxKey{}).([]slog.Attr); ok {
		r.AddAttrs(attrs...)
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs wraps handler returned by base handler, so derived
// loggers (logger.With) keep considering context attributes.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithAttrs creates new context.Context value
// with slog attributes stored within it.
func WithAttrs(parent context.Context, attrs ...slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	if v, ok := parent.Value(ctxKey{}).([]slog.Attr); ok {
		merged := make([]slog.Attr, 0, len(v)+len(attrs))
		merged = append(merged, v...)
		merged = append(merged, attrs...)
		return context.WithValue(parent, ctxKey{}, merged)
	}

	return context.WithValue(parent, ctxKey{}, attrs)
}

// ReplaceAttr is a hook used for modifying attribute values.
//
// Currently it is only replacing passed error with their string form.
func ReplaceAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindAny {
		if err, ok := attr.Value.Any().(error); ok {
			attr.Value = slog.StringValue(err.Error())
		}
	}

	return attr
}
