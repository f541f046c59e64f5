// Package orchestrate implements the per-capability workflows over the
// provider registry: fallback chains, parallel aggregation, merging and
// deduplication. Policy lives here; wire formats live in the adapters.
package orchestrate

import (
	"context"
	"errors"
	"time"

	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/provider"
)

// errProviderTimeout marks an attempt that was cut off by its timer.
var errProviderTimeout = errors.New("provider timeout (request cancelled)")

// Attempt is one provider call within a chain, successful or not.
type Attempt struct {
	Provider string        `json:"provider"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timedOut,omitempty"`
	Err      error         `json:"-"`
}

// ok reports whether the attempt succeeded.
func (a Attempt) ok() bool { return a.Err == nil }

// ChainRecord summarises one orchestrator run for analytics.
type ChainRecord struct {
	Orchestrator string
	Operation    string
	Attempts     []Attempt
	Winner       string // Provider that produced the result, or empty.
	Duration     time.Duration
	Success      bool
}

// Recorder receives chain records. Implementations must not block; emission
// is fire-and-forget from the orchestrator's point of view.
type Recorder interface {
	RecordChain(ctx context.Context, rec ChainRecord)
}

type nopRecorder struct{}

func (nopRecorder) RecordChain(context.Context, ChainRecord) {}

// Config fixes orchestrator policy at construction. Zero values take the
// documented defaults; nothing here mutates at runtime.
type Config struct {
	// Priority is an explicit provider order. Providers not listed go last
	// in discovery order. Empty means tier order.
	Priority []string

	// ProviderTimeout bounds each non-AI provider call. Default 15s.
	ProviderTimeout time.Duration

	// GenerationTimeout bounds each AI generation call. Default 60s.
	GenerationTimeout time.Duration

	// SubjectProviders caps how many subject-only providers join a metadata
	// aggregation. Default 3.
	SubjectProviders int

	// DedupThreshold is the title-similarity ratio above which two generated
	// books are considered the same. Default 0.6.
	DedupThreshold float64

	// SequentialGeneration switches book generation from concurrent to
	// priority-ordered stop-on-first-success.
	SequentialGeneration bool

	// AggregateRatings switches ratings from first-hit fallback to
	// highest-confidence aggregation.
	AggregateRatings bool
}

func (c Config) withDefaults() Config {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 15 * time.Second
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 60 * time.Second
	}
	if c.SubjectProviders <= 0 {
		c.SubjectProviders = 3
	}
	if c.DedupThreshold <= 0 {
		c.DedupThreshold = 0.6
	}
	return c
}

// Orchestrator runs capability workflows against a registry.
type Orchestrator struct {
	reg *provider.Registry
	rec Recorder
	cfg Config
}

// New creates an Orchestrator. A nil recorder disables analytics.
func New(reg *provider.Registry, rec Recorder, cfg Config) *Orchestrator {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Orchestrator{reg: reg, rec: rec, cfg: cfg.withDefaults()}
}

// providers returns the available providers for a capability in call order.
// paidLast demotes the paid tier (used by cover fetch to spare quota).
func (o *Orchestrator) providers(ctx context.Context, cap provider.Capability, paidLast bool) []provider.Provider {
	avail := o.reg.AvailableByCapability(ctx, cap)
	if len(o.cfg.Priority) > 0 {
		return provider.OrderByPriority(avail, o.cfg.Priority)
	}
	return provider.OrderByTier(avail, paidLast)
}

// emit records the chain summary.
func (o *Orchestrator) emit(ctx context.Context, name, op, winner string, start time.Time, attempts []Attempt) {
	o.rec.RecordChain(ctx, ChainRecord{
		Orchestrator: name,
		Operation:    op,
		Attempts:     attempts,
		Winner:       winner,
		Duration:     time.Since(start),
		Success:      winner != "",
	})
}

// tryProvider races fn against the per-provider timeout. The timeout context
// is always cancelled on exit, success included, so no timer leaks. If fn
// ignores cancellation the select still returns promptly; the goroutine's
// late result is dropped through the buffered channel. Errors caused by
// cancellation are reported as timeouts, not generic failures.
func tryProvider[T any](ctx context.Context, name string, timeout time.Duration, fn func(context.Context) (T, error)) (T, Attempt) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out T
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{zero, errors.New("provider panicked")}
			}
		}()
		out, err := fn(ctx)
		ch <- result{out, err}
	}()

	var zero T
	select {
	case r := <-ch:
		att := Attempt{Provider: name, Duration: time.Since(start)}
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled) {
				att.TimedOut = true
				att.Err = errProviderTimeout
				return zero, att
			}
			att.Err = r.err
			return zero, att
		}
		return r.out, att
	case <-ctx.Done():
		logging.Log(ctx).Warn("provider call timed out", "provider", name, "timeout", timeout)
		return zero, Attempt{Provider: name, Duration: time.Since(start), TimedOut: true, Err: errProviderTimeout}
	}
}
