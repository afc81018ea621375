package tracelog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// discardHandler drops every record. slog added a stdlib equivalent only in
// Go 1.24; this module targets 1.21, so it is hand-rolled here.
type discardHandler struct{}

// DiscardHandler returns a handler that discards all records.
func DiscardHandler() slog.Handler { return discardHandler{} }

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// terminalHandler formats one line per record: "LEVEL|module|msg|k=v k=v".
type terminalHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Level
	useClr bool
	attrs  []slog.Attr
}

// NewTerminalHandlerWithLevel returns a handler writing human-readable lines
// to w, filtering below level. useColor is accepted for interface
// compatibility with terminal-aware callers but this implementation always
// emits plain text, since the destination is frequently a redirected file.
func NewTerminalHandlerWithLevel(w io.Writer, level slog.Level, useColor bool) slog.Handler {
	return &terminalHandler{mu: &sync.Mutex{}, w: w, level: level, useClr: useColor}
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	module := ""
	var parts []string
	for _, a := range h.attrs {
		if a.Key == "module" {
			module = a.Value.String()
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", a.Key, a.Value.Any()))
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "module" && module == "" {
			module = a.Value.String()
			return true
		}
		parts = append(parts, fmt.Sprintf("%s=%v", a.Key, a.Value.Any()))
		return true
	})
	_, err := fmt.Fprintf(h.w, "%s|%s|%s|%s\n", LevelAlignedString(r.Level), module, r.Message, strings.Join(parts, " "))
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next = append(next, h.attrs...)
	next = append(next, attrs...)
	return &terminalHandler{mu: h.mu, w: h.w, level: h.level, useClr: h.useClr, attrs: next}
}

func (h *terminalHandler) WithGroup(_ string) slog.Handler {
	return h
}
