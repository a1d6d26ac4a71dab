// Package msglog keeps structured logs readable when log attributes carry
// whole message payloads.
package msglog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"unicode/utf8"
)

// DefaultMaxStringLen bounds logged attribute values. Payload bodies beyond
// it are cut, with the original size noted.
const DefaultMaxStringLen = 256

type TruncatingHandler struct {
	next   slog.Handler
	maxLen int
}

func WrapHandler(next slog.Handler, maxLen int) slog.Handler {
	if next == nil {
		return nil
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxStringLen
	}
	return &TruncatingHandler{next: next, maxLen: maxLen}
}

// DefaultLogger returns the JSON logger the daemon and tests share.
func DefaultLogger() *slog.Logger {
	return slog.New(WrapHandler(slog.NewJSONHandler(os.Stdout, nil), DefaultMaxStringLen))
}

func (h *TruncatingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *TruncatingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.truncateAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *TruncatingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bounded := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		bounded = append(bounded, h.truncateAttr(attr))
	}
	return &TruncatingHandler{next: h.next.WithAttrs(bounded), maxLen: h.maxLen}
}

func (h *TruncatingHandler) WithGroup(name string) slog.Handler {
	return &TruncatingHandler{next: h.next.WithGroup(name), maxLen: h.maxLen}
}

func (h *TruncatingHandler) truncateAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.bound(attr.Value.String()))
	case slog.KindGroup:
		group := attr.Value.Group()
		bounded := make([]slog.Attr, 0, len(group))
		for _, inner := range group {
			bounded = append(bounded, h.truncateAttr(inner))
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(bounded...)}
	case slog.KindAny:
		rendered := fmt.Sprint(attr.Value.Any())
		if len(rendered) <= h.maxLen {
			return attr
		}
		return slog.String(attr.Key, h.bound(rendered))
	default:
		return attr
	}
}

func (h *TruncatingHandler) bound(v string) string {
	if len(v) <= h.maxLen {
		return v
	}
	// Never cut inside a multi-byte rune.
	cut := h.maxLen
	for cut > 0 && !utf8.RuneStart(v[cut]) {
		cut--
	}
	return v[:cut] + fmt.Sprintf("...(%d bytes total)", len(v))
}
