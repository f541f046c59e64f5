package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/bookforge/bookforge/internal/analytics"
	"github.com/bookforge/bookforge/internal/covers"
	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/orchestrate"
	"github.com/bookforge/bookforge/internal/persist"
	"github.com/bookforge/bookforge/internal/provider"
)

// _coverBatch is how many cover jobs one read takes. Image work is the
// bottleneck, so batches stay small.
const _coverBatch = 10

// CoverHandler drains the cover queue: skip already-processed ISBNs,
// otherwise download/resize/upload and record the resulting URLs on the
// edition.
type CoverHandler struct {
	processor  *covers.Processor
	store      *persist.Store
	orch       *orchestrate.Orchestrator
	refreshers []provider.CoverURLRefresher
	emitter    *analytics.Emitter
}

var _ Handler = (*CoverHandler)(nil)

// NewCoverHandler creates a CoverHandler. orch supplies a cover URL when the
// job carries none; refreshers re-mint expired signed URLs.
func NewCoverHandler(processor *covers.Processor, store *persist.Store, orch *orchestrate.Orchestrator,
	refreshers []provider.CoverURLRefresher, emitter *analytics.Emitter,
) *CoverHandler {
	return &CoverHandler{
		processor:  processor,
		store:      store,
		orch:       orch,
		refreshers: refreshers,
		emitter:    emitter,
	}
}

// HandleBatch processes each message independently; one bad cover never
// poisons its batchmates.
func (h *CoverHandler) HandleBatch(ctx context.Context, msgs []Message) []Outcome {
	outcomes := make([]Outcome, len(msgs))
	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = h.handleOne(ctx, msg)
		}()
	}
	wg.Wait()
	return outcomes
}

func (h *CoverHandler) handleOne(ctx context.Context, msg Message) Outcome {
	var job CoverJob
	if err := sonic.Unmarshal(msg.Body, &job); err != nil {
		logging.Log(ctx).Warn("dropping malformed cover job", "id", msg.ID, "err", err)
		h.emitter.QueueOutcome(ctx, "covers", "malformed", map[string]any{"id": msg.ID})
		return Ack
	}

	// Cached renditions are final; just make sure the edition points at them.
	if urls, ok := h.processor.Existing(ctx, job.ISBN); ok {
		h.recordURLs(ctx, job.ISBN, urls)
		h.emitter.QueueOutcome(ctx, "covers", "cached", map[string]any{"isbn": job.ISBN})
		return Ack
	}

	url := job.ProviderURL
	if url == "" && h.orch != nil {
		res := h.orch.FetchCover(ctx, job.ISBN)
		if res.Cover != nil {
			url = res.Cover.URL
		}
	}
	if url == "" {
		h.emitter.QueueOutcome(ctx, "covers", "no_cover", map[string]any{"isbn": job.ISBN})
		return Ack
	}

	result, err := h.processor.Process(ctx, job.ISBN, url)
	if errors.Is(err, covers.ErrUnauthorized) {
		// Signed URL expired between enqueue and dequeue; re-mint once.
		if fresh := h.refresh(ctx, job.ISBN, url); fresh != "" {
			result, err = h.processor.Process(ctx, job.ISBN, fresh)
		}
	}
	if err != nil {
		logging.Log(ctx).Warn("cover processing failed", "isbn", job.ISBN, "url", url, "err", err)
		h.emitter.QueueOutcome(ctx, "covers", "retry", map[string]any{"isbn": job.ISBN, "error": err.Error()})
		return Retry
	}

	h.recordURLs(ctx, job.ISBN, result.URLs)
	h.emitter.QueueOutcome(ctx, "covers", "processed", map[string]any{
		"isbn":             job.ISBN,
		"original_bytes":   result.OriginalBytes,
		"compressed_bytes": result.CompressedBytes,
		"total_ms":         result.Timings.TotalMS,
	})
	return Ack
}

// refresh finds the provider that issued the URL and asks it for a new one.
func (h *CoverHandler) refresh(ctx context.Context, isbn13, staleURL string) string {
	for _, r := range h.refreshers {
		if !r.OwnsURL(staleURL) {
			continue
		}
		fresh, err := r.RefreshCoverURL(ctx, isbn13)
		if err != nil {
			logging.Log(ctx).Warn("cover url refresh failed", "isbn", isbn13, "err", err)
			return ""
		}
		return fresh
	}
	return ""
}

// recordURLs is best-effort: the renditions are already in blob storage, so
// a missing edition row just means a later enrichment will pick them up.
func (h *CoverHandler) recordURLs(ctx context.Context, isbn13 string, urls map[string]string) {
	if h.store == nil {
		return
	}
	if err := h.store.UpdateEditionCovers(ctx, isbn13, urls); err != nil {
		logging.Log(ctx).Warn("unable to record cover urls", "isbn", isbn13, "err", err)
	}
}
