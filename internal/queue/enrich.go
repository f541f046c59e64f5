package queue

import (
	"context"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/bookforge/bookforge/internal/analytics"
	"github.com/bookforge/bookforge/internal/isbn"
	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/orchestrate"
	"github.com/bookforge/bookforge/internal/persist"
	"github.com/bookforge/bookforge/internal/provider"
)

// Enrichment batching bounds. A full batch of 100 ISBNs costs one upstream
// call instead of 100.
const (
	_enrichBatch   = 100
	_notFoundTTL   = 24 * time.Hour
	_notFoundValue = "1"
)

func notFoundKey(isbn13 string) string { return "isbn_not_found:" + isbn13 }

// EnrichHandler drains the enrichment queue. A whole batch becomes one call
// to the batch metadata endpoint; misses are negative-cached so re-enqueued
// ISBNs stop costing quota.
type EnrichHandler struct {
	store    *persist.Store
	batch    provider.BatchMetadataFetcher
	producer *Producer
	rdb      redis.UniversalClient
	orch     *orchestrate.Orchestrator
	emitter  *analytics.Emitter
}

var _ Handler = (*EnrichHandler)(nil)

// NewEnrichHandler creates an EnrichHandler. orch may be nil; the crosswalk
// then records only the identifiers carried in the batch metadata itself.
func NewEnrichHandler(store *persist.Store, batch provider.BatchMetadataFetcher,
	producer *Producer, rdb redis.UniversalClient, orch *orchestrate.Orchestrator,
	emitter *analytics.Emitter,
) *EnrichHandler {
	return &EnrichHandler{store: store, batch: batch, producer: producer, rdb: rdb, orch: orch, emitter: emitter}
}

// HandleBatch resolves every valid ISBN in the batch with a single upstream
// request, persists the results, and queues cover jobs for the hits.
func (h *EnrichHandler) HandleBatch(ctx context.Context, msgs []Message) []Outcome {
	outcomes := make([]Outcome, len(msgs)) // Default Ack.

	// Collapse the batch to the set of ISBNs worth asking about. Duplicate
	// ISBNs in one batch share a single lookup.
	indices := make(map[string][]int, len(msgs))
	sources := make(map[string]string, len(msgs))
	for i, msg := range msgs {
		var job EnrichmentJob
		if err := sonic.Unmarshal(msg.Body, &job); err != nil {
			logging.Log(ctx).Warn("dropping malformed enrichment job", "id", msg.ID, "err", err)
			h.emitter.QueueOutcome(ctx, "enrich", "malformed", map[string]any{"id": msg.ID})
			continue
		}
		isbn13, err := isbn.Normalize(job.ISBN)
		if err != nil {
			h.emitter.QueueOutcome(ctx, "enrich", "invalid_isbn", map[string]any{"isbn": job.ISBN})
			continue
		}
		if h.knownMiss(ctx, isbn13) {
			h.emitter.QueueOutcome(ctx, "enrich", "negative_cached", map[string]any{"isbn": isbn13})
			continue
		}
		indices[isbn13] = append(indices[isbn13], i)
		sources[isbn13] = job.Source
	}
	if len(indices) == 0 {
		return outcomes
	}

	isbns := make([]string, 0, len(indices))
	for isbn13 := range indices {
		isbns = append(isbns, isbn13)
	}

	results, err := h.batch.FetchMetadataBatch(ctx, isbns)
	if err != nil {
		// Upstream or quota trouble affects the whole batch; try again later.
		logging.Log(ctx).Warn("batch metadata fetch failed", "isbns", len(isbns), "err", err)
		for _, idxs := range indices {
			for _, i := range idxs {
				outcomes[i] = Retry
			}
		}
		return outcomes
	}
	h.emitter.CallsSaved(ctx, len(isbns)-1)

	enriched := 0
	var enrichedISBNs []string
	for isbn13, idxs := range indices {
		md, ok := results[isbn13]
		if !ok || md == nil {
			h.rememberMiss(ctx, isbn13)
			h.emitter.QueueOutcome(ctx, "enrich", "not_found", map[string]any{"isbn": isbn13})
			continue
		}
		if err := h.persistMetadata(ctx, isbn13, md); err != nil {
			logging.Log(ctx).Warn("unable to persist enrichment", "isbn", isbn13, "err", err)
			h.emitter.QueueOutcome(ctx, "enrich", "retry", map[string]any{"isbn": isbn13, "error": err.Error()})
			for _, i := range idxs {
				outcomes[i] = Retry
			}
			continue
		}
		enriched++
		enrichedISBNs = append(enrichedISBNs, isbn13)
		h.emitter.QueueOutcome(ctx, "enrich", "enriched", map[string]any{"isbn": isbn13, "provider": md.Source})

		if md.CoverURL != "" && h.producer != nil {
			job := CoverJob{ISBN: isbn13, ProviderURL: md.CoverURL, Source: sources[isbn13]}
			if err := h.producer.EnqueueCover(ctx, job); err != nil {
				logging.Log(ctx).Warn("unable to queue cover job", "isbn", isbn13, "err", err)
			}
		}
	}

	h.recordCrosswalk(ctx, enrichedISBNs)

	logging.Log(ctx).Info("enrichment batch complete",
		"messages", len(msgs), "looked_up", len(isbns), "enriched", enriched)
	return outcomes
}

// DirectResult summarizes a synchronous batch enrichment.
type DirectResult struct {
	Requested int      `json:"requested"`
	Enriched  int      `json:"enriched"`
	NotFound  []string `json:"notFound,omitempty"`
	Invalid   []string `json:"invalid,omitempty"`
}

// EnrichDirect runs the enrichment flow synchronously for an API caller:
// one upstream batch call, the same persistence path as the consumer, and
// cover jobs for the hits. Known misses are reported without a lookup.
func (h *EnrichHandler) EnrichDirect(ctx context.Context, rawISBNs []string, source string) (*DirectResult, error) {
	result := &DirectResult{Requested: len(rawISBNs)}

	seen := make(map[string]bool, len(rawISBNs))
	var isbns []string
	for _, raw := range rawISBNs {
		isbn13, err := isbn.Normalize(raw)
		if err != nil {
			result.Invalid = append(result.Invalid, raw)
			continue
		}
		if seen[isbn13] {
			continue
		}
		seen[isbn13] = true
		if h.knownMiss(ctx, isbn13) {
			result.NotFound = append(result.NotFound, isbn13)
			continue
		}
		isbns = append(isbns, isbn13)
	}
	if len(isbns) == 0 {
		return result, nil
	}

	results, err := h.batch.FetchMetadataBatch(ctx, isbns)
	if err != nil {
		return nil, err
	}
	h.emitter.CallsSaved(ctx, len(isbns)-1)

	var enrichedISBNs []string
	for _, isbn13 := range isbns {
		md, ok := results[isbn13]
		if !ok || md == nil {
			h.rememberMiss(ctx, isbn13)
			result.NotFound = append(result.NotFound, isbn13)
			continue
		}
		if err := h.persistMetadata(ctx, isbn13, md); err != nil {
			return nil, err
		}
		result.Enriched++
		enrichedISBNs = append(enrichedISBNs, isbn13)
		if md.CoverURL != "" && h.producer != nil {
			job := CoverJob{ISBN: isbn13, ProviderURL: md.CoverURL, Source: source}
			if err := h.producer.EnqueueCover(ctx, job); err != nil {
				logging.Log(ctx).Warn("unable to queue cover job", "isbn", isbn13, "err", err)
			}
		}
	}
	h.recordCrosswalk(ctx, enrichedISBNs)
	return result, nil
}

// persistMetadata writes the work first, then the edition, then the author
// links, so foreign keys always hold.
func (h *EnrichHandler) persistMetadata(ctx context.Context, isbn13 string, md *provider.Metadata) error {
	var firstAuthor string
	if len(md.Authors) > 0 {
		firstAuthor = md.Authors[0]
	}
	workKey := persist.WorkKey(md.Title, firstAuthor)

	err := h.store.EnrichWork(ctx, persist.Work{
		Key:              workKey,
		Title:            md.Title,
		Subtitle:         md.Subtitle,
		Description:      md.Description,
		FirstPublishYear: md.FirstPublish,
		Subjects:         md.Subjects,
		Authors:          md.Authors,
		PrimaryProvider:  md.Source,
		QualityScore:     md.QualityScore,
	})
	if err != nil {
		return err
	}

	err = h.store.EnrichEdition(ctx, persist.Edition{
		ISBN:            isbn13,
		WorkKey:         workKey,
		Title:           md.Title,
		Subtitle:        md.Subtitle,
		Publisher:       md.Publisher,
		PublishDate:     md.PublishDate,
		Language:        md.Language,
		Binding:         md.Binding,
		PageCount:       md.PageCount,
		RelatedISBNs:    md.RelatedISBNs,
		PrimaryProvider: md.Source,
		QualityScore:    md.QualityScore,
	})
	if err != nil {
		return err
	}

	if len(md.Authors) > 0 {
		if err := h.store.LinkWorkAuthors(ctx, workKey, md.Authors); err != nil {
			return err
		}
	}

	// Identifiers the provider bundled with the metadata become edition
	// crosswalk rows right away; the aggregated pass may refine them later.
	if len(md.ExternalIDs) > 0 {
		confidence := md.QualityScore
		if confidence <= 0 {
			confidence = 50
		}
		types := make([]string, 0, len(md.ExternalIDs))
		for typ := range md.ExternalIDs {
			types = append(types, typ)
		}
		sort.Strings(types)
		rows := make([]persist.ExternalIDRow, 0, len(types))
		for _, typ := range types {
			rows = append(rows, persist.ExternalIDRow{
				EntityType: "edition",
				EntityKey:  isbn13,
				Provider:   typ,
				ExternalID: md.ExternalIDs[typ],
				Confidence: confidence,
			})
		}
		if err := h.store.UpsertExternalIDs(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

// recordCrosswalk folds the merged cross-provider identifier view into the
// crosswalk table for freshly enriched editions. Best effort: the enrichment
// itself already landed, so failures are logged rather than retried.
func (h *EnrichHandler) recordCrosswalk(ctx context.Context, isbns []string) {
	if h.orch == nil || len(isbns) == 0 {
		return
	}
	for isbn13, res := range h.orch.ExternalIDsBatch(ctx, isbns) {
		if len(res.IDs) == 0 {
			continue
		}
		rows := make([]persist.ExternalIDRow, 0, len(res.IDs))
		for _, id := range res.IDs {
			rows = append(rows, persist.ExternalIDRow{
				EntityType: "edition",
				EntityKey:  isbn13,
				Provider:   id.Type,
				ExternalID: id.Value,
				Confidence: id.Confidence,
			})
		}
		if err := h.store.UpsertExternalIDs(ctx, rows); err != nil {
			logging.Log(ctx).Warn("unable to record crosswalk", "isbn", isbn13, "err", err)
		}
	}
}

func (h *EnrichHandler) knownMiss(ctx context.Context, isbn13 string) bool {
	if h.rdb == nil {
		return false
	}
	n, err := h.rdb.Exists(ctx, notFoundKey(isbn13)).Result()
	return err == nil && n > 0
}

func (h *EnrichHandler) rememberMiss(ctx context.Context, isbn13 string) {
	if h.rdb == nil {
		return
	}
	if err := h.rdb.Set(ctx, notFoundKey(isbn13), _notFoundValue, _notFoundTTL).Err(); err != nil {
		logging.Log(ctx).Warn("unable to cache miss", "isbn", isbn13, "err", err)
	}
}
