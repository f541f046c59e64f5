package queue

import (
	"context"

	"github.com/bytedance/sonic"

	"github.com/bookforge/bookforge/internal/analytics"
	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/provider"
	"github.com/bookforge/bookforge/internal/quota"
)

// BackfillHandler drains the backfill queue one page at a time. Each message
// covers one page of one month; when more pages remain, the next page is
// re-enqueued as its own message so a long month survives restarts.
type BackfillHandler struct {
	releases provider.ReleaseLister
	producer *Producer
	quota    *quota.Coordinator
	emitter  *analytics.Emitter
}

var _ Handler = (*BackfillHandler)(nil)

// NewBackfillHandler creates a BackfillHandler.
func NewBackfillHandler(releases provider.ReleaseLister, producer *Producer,
	q *quota.Coordinator, emitter *analytics.Emitter,
) *BackfillHandler {
	return &BackfillHandler{releases: releases, producer: producer, quota: q, emitter: emitter}
}

// HandleBatch processes backfill pages sequentially; each page is one paid
// call, so there is nothing to parallelize.
func (h *BackfillHandler) HandleBatch(ctx context.Context, msgs []Message) []Outcome {
	outcomes := make([]Outcome, len(msgs))
	for i, msg := range msgs {
		outcomes[i] = h.handleOne(ctx, msg)
	}
	return outcomes
}

func (h *BackfillHandler) handleOne(ctx context.Context, msg Message) Outcome {
	var job BackfillJob
	if err := sonic.Unmarshal(msg.Body, &job); err != nil {
		logging.Log(ctx).Warn("dropping malformed backfill job", "id", msg.ID, "err", err)
		h.emitter.QueueOutcome(ctx, "backfill", "malformed", map[string]any{"id": msg.ID})
		return Ack
	}
	page := max(1, job.ResumePage)

	// Backfill is background work; it yields to user-initiated calls.
	if h.quota != nil {
		if d := h.quota.ShouldAllowOperation(ctx, quota.OpNewReleases, 1); !d.Allowed {
			logging.Log(ctx).Info("backfill deferred", "year", job.Year, "month", job.Month, "reason", d.Reason)
			h.emitter.QueueOutcome(ctx, "backfill", "deferred", map[string]any{"year": job.Year, "month": job.Month})
			return Retry
		}
	}

	books, more, err := h.releases.FetchNewReleases(ctx, job.Year, job.Month, page)
	if err != nil {
		logging.Log(ctx).Warn("release page fetch failed", "year", job.Year, "month", job.Month, "page", page, "err", err)
		h.emitter.QueueOutcome(ctx, "backfill", "retry", map[string]any{"year": job.Year, "month": job.Month, "page": page})
		return Retry
	}

	enqueued := 0
	for _, md := range books {
		if md.ISBN == "" {
			continue
		}
		if err := h.producer.EnqueueEnrichment(ctx, EnrichmentJob{ISBN: md.ISBN, Source: "backfill"}); err != nil {
			logging.Log(ctx).Warn("unable to queue enrichment", "isbn", md.ISBN, "err", err)
			continue
		}
		enqueued++
	}

	if more {
		next := BackfillJob{Year: job.Year, Month: job.Month, ResumePage: page + 1}
		if err := h.producer.EnqueueBackfill(ctx, next); err != nil {
			// Without the follow-up message the rest of the month is lost;
			// redo this page instead.
			logging.Log(ctx).Warn("unable to queue next backfill page", "year", job.Year, "month", job.Month, "err", err)
			return Retry
		}
	}

	h.emitter.QueueOutcome(ctx, "backfill", "page_done", map[string]any{
		"year": job.Year, "month": job.Month, "page": page, "enqueued": enqueued, "more": more,
	})
	return Ack
}
