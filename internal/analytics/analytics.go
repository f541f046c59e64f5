// Package analytics records operational events: orchestrator chains, queue
// outcomes, saved upstream calls. Everything here is fire-and-forget; a
// failed write is logged at debug and otherwise swallowed.
package analytics

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/orchestrate"
)

// execer is the slice of the database the emitter needs.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Emitter writes metrics and best-effort event rows.
type Emitter struct {
	db      execer // Optional; nil keeps metrics only.
	metrics *emitterMetrics
}

var _ orchestrate.Recorder = (*Emitter)(nil)

// New creates an Emitter. db may be nil; reg may be nil.
func New(db execer, reg prometheus.Registerer) *Emitter {
	return &Emitter{db: db, metrics: newEmitterMetrics(reg)}
}

type emitterMetrics struct {
	chains        *prometheus.CounterVec
	chainLatency  *prometheus.HistogramVec
	queueOutcomes *prometheus.CounterVec
	callsSaved    prometheus.Counter
}

func newEmitterMetrics(reg prometheus.Registerer) *emitterMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &emitterMetrics{
		chains: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_chains_total",
			Help: "Orchestrator runs by workflow and outcome.",
		}, []string{"orchestrator", "outcome"}),
		chainLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_chain_duration_seconds",
			Help:    "End-to-end orchestrator chain latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"orchestrator"}),
		queueOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_messages_total",
			Help: "Queue consumer outcomes by queue.",
		}, []string{"queue", "outcome"}),
		callsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "paid_api_calls_saved_total",
			Help: "Nominal paid calls avoided by batching and caching.",
		}),
	}
}

// RecordChain implements orchestrate.Recorder.
func (e *Emitter) RecordChain(ctx context.Context, rec orchestrate.ChainRecord) {
	outcome := "failure"
	if rec.Success {
		outcome = "success"
	}
	e.metrics.chains.WithLabelValues(rec.Orchestrator, outcome).Inc()
	e.metrics.chainLatency.WithLabelValues(rec.Orchestrator).Observe(rec.Duration.Seconds())

	chain := make([]string, 0, len(rec.Attempts))
	for _, a := range rec.Attempts {
		chain = append(chain, a.Provider)
	}
	e.event(ctx, "orchestrator_chain", map[string]any{
		"orchestrator":        rec.Orchestrator,
		"operation":           rec.Operation,
		"provider_chain":      chain,
		"successful_provider": orNil(rec.Winner),
		"attempts_count":      len(rec.Attempts),
		"total_latency_ms":    rec.Duration.Milliseconds(),
		"success":             boolToInt(rec.Success),
	})
}

// QueueOutcome counts one consumer decision and records it as an event.
func (e *Emitter) QueueOutcome(ctx context.Context, queue, outcome string, fields map[string]any) {
	e.metrics.queueOutcomes.WithLabelValues(queue, outcome).Inc()
	payload := map[string]any{"queue": queue, "outcome": outcome}
	for k, v := range fields {
		payload[k] = v
	}
	e.event(ctx, "queue_outcome", payload)
}

// CallsSaved records paid calls avoided relative to per-ISBN lookups.
func (e *Emitter) CallsSaved(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	e.metrics.callsSaved.Add(float64(n))
	e.event(ctx, "api_calls_saved", map[string]any{"saved": n})
}

// event inserts a row, detached from the caller's deadline so an enrichment
// request never blocks on analytics.
func (e *Emitter) event(ctx context.Context, kind string, payload map[string]any) {
	if e.db == nil {
		return
	}
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := e.db.Exec(ctx, `INSERT INTO analytics_events (kind, payload) VALUES ($1, $2)`, kind, raw); err != nil {
			logging.Log(ctx).Debug("dropping analytics event", "kind", kind, "err", err)
		}
	}()
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
