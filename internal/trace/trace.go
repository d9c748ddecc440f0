// Package trace is a thin observability shim. When enabled it logs a
// debug span per named pipeline stage; otherwise every call is a no-op.
package trace

import (
	"context"
	"log/slog"
	"time"
)

// Tracer wraps named stages in debug spans.
type Tracer struct {
	logger  *slog.Logger
	enabled bool
}

// New creates a Tracer. A nil logger or enabled=false yields a no-op tracer.
func New(logger *slog.Logger, enabled bool) *Tracer {
	return &Tracer{logger: logger, enabled: enabled && logger != nil}
}

// Span runs fn as a named stage, logging its duration and outcome when
// tracing is enabled.
func (t *Tracer) Span(ctx context.Context, name string, fn func(context.Context) error) error {
	if t == nil || !t.enabled {
		return fn(ctx)
	}
	start := time.Now()
	err := fn(ctx)
	t.logger.Debug("stage",
		"name", name,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
	return err
}
