package logger

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
)

// AsyncHandler decouples the caller from the downstream handler by shipping
// records through a buffered channel to a single background goroutine. When
// the buffer is full, records are dropped rather than blocking the caller;
// each dropped record only increments an internal counter.
type AsyncHandler struct {
	next    slog.Handler
	records chan slog.Record
	dropped int
}

// NewAsyncHandler starts the background drain goroutine and returns the handler.
// blockOnFull is accepted but not used: Handle never blocks, and drops the
// record whenever the buffer is saturated.
func NewAsyncHandler(next slog.Handler, bufferSize int, blockOnFull bool) *AsyncHandler {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	h := &AsyncHandler{
		next:    next,
		records: make(chan slog.Record, bufferSize),
	}
	go h.loop()
	return h
}

func (h *AsyncHandler) loop() {
	for r := range h.records {
		_ = h.next.Handle(context.Background(), r)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	select {
	case h.records <- r:
	default:
		h.dropped++
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{next: h.next.WithAttrs(attrs), records: h.records}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{next: h.next.WithGroup(name), records: h.records}
}

// redactedKeys lists attribute keys that are replaced wholesale, plus a
// regexp pass over string values for patterns that look like tokens/secrets.
var redactedKeys = map[string]struct{}{
	"password": {}, "token": {}, "authorization": {}, "secret": {}, "api_key": {},
}

var looksLikeSecret = regexp.MustCompile(`(?i)(bearer\s+[a-z0-9\-_.]+|[a-z0-9]{32,})`)

// RedactHandler masks attribute values whose key is known-sensitive, or
// whose string value matches a token-shaped pattern.
type RedactHandler struct {
	next slog.Handler
}

func NewRedactHandler(next slog.Handler) *RedactHandler {
	return &RedactHandler{next: next}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, nr)
}

func redactAttr(a slog.Attr) slog.Attr {
	if _, sensitive := redactedKeys[a.Key]; sensitive {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString && looksLikeSecret.MatchString(a.Value.String()) {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactHandler{next: h.next.WithAttrs(redacted)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{next: h.next.WithGroup(name)}
}

// SamplingHandler passes through a random fraction of records. Errors and
// warnings always pass; only INFO/DEBUG are subject to sampling, since the
// routing hot path logs one INFO line per envelope and sampling is how a
// busy broker keeps log volume proportional to traffic rather than to
// message rate.
type SamplingHandler struct {
	next slog.Handler
	rate float64
}

func NewSamplingHandler(next slog.Handler, rate float64) *SamplingHandler {
	return &SamplingHandler{next: next, rate: rate}
}

func (h *SamplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SamplingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.next.Handle(ctx, r)
	}
	if rand.Float64() > h.rate {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *SamplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SamplingHandler{next: h.next.WithAttrs(attrs), rate: h.rate}
}

func (h *SamplingHandler) WithGroup(name string) slog.Handler {
	return &SamplingHandler{next: h.next.WithGroup(name), rate: h.rate}
}
