// Package logging provides the process logger. All components log through
// Log(ctx) so request and job IDs are automatically attached.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"

	charm "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
)

var (
	_logger *slog.Logger
	_once   sync.Once
)

// Init configures the global logger at the given level. Safe to call more
// than once; only the first call wins.
func Init(level string, verbose bool) {
	_once.Do(func() {
		lvl := charm.InfoLevel
		if parsed, err := charm.ParseLevel(level); err == nil {
			lvl = parsed
		}
		if verbose {
			lvl = charm.DebugLevel
		}
		handler := charm.NewWithOptions(os.Stderr, charm.Options{
			Level:           lvl,
			ReportTimestamp: true,
		})
		_logger = slog.New(handler)
	})
}

// Log returns a logger annotated with the request (or job) ID carried by the
// context, if any.
func Log(ctx context.Context) *slog.Logger {
	if _logger == nil {
		Init("info", false)
	}
	l := _logger
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		l = l.With("requestID", id)
	}
	return l
}

// WithJobID returns a context whose Log output is annotated with the given
// job identifier. Queue consumers and schedulers use this the same way the
// HTTP layer uses chi's request ID.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, middleware.RequestIDKey, id)
}
