package orchestrate

import (
	"context"
	"math"
	"time"

	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/provider"
)

// ExternalIDsResult is the merged crosswalk for one ISBN.
type ExternalIDsResult struct {
	IDs      []provider.ExternalID `json:"ids"`
	Attempts []Attempt             `json:"attempts,omitempty"`
}

// ExternalIDs aggregates identifier assertions across providers and merges
// them by type. Agreeing providers pool their sources and average their
// confidence; disagreeing providers are resolved confidence-first, with
// priority order as the tiebreak, and the conflict is logged.
func (o *Orchestrator) ExternalIDs(ctx context.Context, isbn13 string) ExternalIDsResult {
	return o.externalIDsMany(ctx, []string{isbn13})[isbn13]
}

// ExternalIDsBatch resolves the crosswalk for many ISBNs. Providers exposing
// a true batch endpoint are asked once for the whole set; the rest are
// looped per-ISBN. Merge rules are identical to ExternalIDs.
func (o *Orchestrator) ExternalIDsBatch(ctx context.Context, isbns []string) map[string]ExternalIDsResult {
	return o.externalIDsMany(ctx, isbns)
}

func (o *Orchestrator) externalIDsMany(ctx context.Context, isbns []string) map[string]ExternalIDsResult {
	providers := o.providers(ctx, provider.CapExternalIDs, false)

	// One upstream call per batch-capable provider, regardless of set size.
	pre := map[string]map[string][]provider.ExternalID{}
	preAtt := map[string]Attempt{}
	for _, p := range providers {
		bf, ok := p.(provider.BatchExternalIDFetcher)
		if !ok {
			continue
		}
		res, att := tryProvider(ctx, p.Name(), o.cfg.ProviderTimeout, func(ctx context.Context) (map[string][]provider.ExternalID, error) {
			return bf.FetchEnhancedExternalIDsBatch(ctx, isbns)
		})
		pre[p.Name()] = res
		preAtt[p.Name()] = att
	}

	out := make(map[string]ExternalIDsResult, len(isbns))
	for _, isbn13 := range isbns {
		start := time.Now()

		var result ExternalIDsResult
		var ordered []string               // Type encounter order, for stable output.
		agg := map[string]*idAccumulator{} // Keyed by ID type.
		winner := ""

		for _, p := range providers {
			var ids []provider.ExternalID
			var att Attempt
			if prefetched, ok := pre[p.Name()]; ok {
				ids, att = prefetched[isbn13], preAtt[p.Name()]
			} else {
				fetcher, ok := p.(provider.ExternalIDFetcher)
				if !ok {
					continue
				}
				ids, att = tryProvider(ctx, p.Name(), o.cfg.ProviderTimeout, func(ctx context.Context) ([]provider.ExternalID, error) {
					return fetcher.FetchEnhancedExternalIDs(ctx, isbn13)
				})
			}
			result.Attempts = append(result.Attempts, att)
			if !att.ok() {
				logging.Log(ctx).Warn("external-id attempt failed", "provider", p.Name(), "isbn", isbn13, "err", att.Err)
				continue
			}
			if len(ids) > 0 && winner == "" {
				winner = p.Name()
			}
			for _, id := range ids {
				acc, ok := agg[id.Type]
				if !ok {
					agg[id.Type] = &idAccumulator{
						value:       id.Value,
						best:        id.Confidence,
						confidences: []int{id.Confidence},
						sources:     sourcesOf(id, p.Name()),
					}
					ordered = append(ordered, id.Type)
					continue
				}
				acc.absorb(ctx, id, p.Name())
			}
		}

		for _, typ := range ordered {
			acc := agg[typ]
			result.IDs = append(result.IDs, provider.ExternalID{
				Type:       typ,
				Value:      acc.value,
				Confidence: acc.meanConfidence(),
				Sources:    acc.sources,
			})
		}

		o.emit(ctx, "external_ids", isbn13, winner, start, result.Attempts)
		out[isbn13] = result
	}
	return out
}

// idAccumulator folds assertions for one ID type.
type idAccumulator struct {
	value       string
	best        int // Highest single declared confidence seen for value.
	confidences []int
	sources     []string
}

func sourcesOf(id provider.ExternalID, fallback string) []string {
	if len(id.Sources) > 0 {
		return append([]string{}, id.Sources...)
	}
	return []string{fallback}
}

func (a *idAccumulator) absorb(ctx context.Context, id provider.ExternalID, providerName string) {
	if id.Value == a.value {
		a.confidences = append(a.confidences, id.Confidence)
		for _, s := range sourcesOf(id, providerName) {
			if !contains(a.sources, s) {
				a.sources = append(a.sources, s)
			}
		}
		if id.Confidence > a.best {
			a.best = id.Confidence
		}
		return
	}

	logging.Log(ctx).Warn("external-id conflict",
		"type", id.Type, "kept", a.value, "offered", id.Value,
		"keptConfidence", a.best, "offeredConfidence", id.Confidence, "provider", providerName)

	// Strictly higher declared confidence displaces the held value. Ties keep
	// the earlier (higher-priority) provider.
	if id.Confidence > a.best {
		a.value = id.Value
		a.best = id.Confidence
		a.confidences = []int{id.Confidence}
		a.sources = sourcesOf(id, providerName)
	}
}

// meanConfidence is the rounded mean of the contributing confidences.
func (a *idAccumulator) meanConfidence() int {
	if len(a.confidences) == 0 {
		return 0
	}
	sum := 0
	for _, c := range a.confidences {
		sum += c
	}
	return int(math.Round(float64(sum) / float64(len(a.confidences))))
}
