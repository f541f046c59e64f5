package orchestrate

import (
	"context"
	"sync"
	"time"

	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/provider"
)

// MetadataResult is the merged view plus the provenance a caller needs to
// judge it: which providers contributed and what went wrong where. Partial
// success is success.
type MetadataResult struct {
	Metadata          *provider.Metadata `json:"metadata,omitempty"`
	MetadataProviders []string           `json:"metadataProviders,omitempty"`
	SubjectProviders  []string           `json:"subjectProviders,omitempty"`
	Duration          time.Duration      `json:"duration"`
	Errors            []string           `json:"errors,omitempty"`
	Attempts          []Attempt          `json:"attempts,omitempty"`
}

// EnrichMetadata fans out to every available metadata provider plus up to
// SubjectProviders subject-only providers, all concurrently, then merges.
// Per-provider failures are recorded, never fatal.
func (o *Orchestrator) EnrichMetadata(ctx context.Context, isbn13 string) MetadataResult {
	start := time.Now()
	mdProviders := o.providers(ctx, provider.CapMetadata, false)
	subjProviders := o.subjectOnly(ctx, mdProviders)

	// Result slots are indexed so merge priority matches provider order
	// regardless of completion order.
	records := make([]*provider.Metadata, len(mdProviders))
	subjects := make([][]string, len(subjProviders))
	attempts := make([]Attempt, len(mdProviders)+len(subjProviders))

	var wg sync.WaitGroup
	for i, p := range mdProviders {
		fetcher, ok := p.(provider.MetadataFetcher)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			md, att := tryProvider(ctx, p.Name(), o.cfg.ProviderTimeout, func(ctx context.Context) (*provider.Metadata, error) {
				return fetcher.FetchMetadata(ctx, isbn13)
			})
			records[i] = md
			attempts[i] = att
		}()
	}
	for i, p := range subjProviders {
		fetcher := p.(provider.SubjectFetcher)
		wg.Add(1)
		go func() {
			defer wg.Done()
			subj, att := tryProvider(ctx, p.Name(), o.cfg.ProviderTimeout, func(ctx context.Context) ([]string, error) {
				return fetcher.FetchSubjects(ctx, isbn13)
			})
			subjects[i] = subj
			attempts[len(mdProviders)+i] = att
		}()
	}
	wg.Wait()

	result := MetadataResult{Duration: time.Since(start)}
	for i, att := range attempts {
		if att.Provider == "" {
			continue // Slot never ran (capability miss).
		}
		result.Attempts = append(result.Attempts, att)
		if !att.ok() {
			result.Errors = append(result.Errors, att.Provider+": "+att.Err.Error())
			continue
		}
		if i < len(mdProviders) {
			if records[i] != nil {
				result.MetadataProviders = append(result.MetadataProviders, att.Provider)
			}
		} else if len(subjects[i-len(mdProviders)]) > 0 {
			result.SubjectProviders = append(result.SubjectProviders, att.Provider)
		}
	}

	result.Metadata = mergeMetadata(records, subjects)
	if result.Metadata != nil {
		result.Metadata.ISBN = isbn13
	}

	winner := ""
	if len(result.MetadataProviders) > 0 {
		winner = result.MetadataProviders[0]
	}
	o.emit(ctx, "enrich_metadata", isbn13, winner, start, result.Attempts)
	if len(result.Errors) > 0 {
		logging.Log(ctx).Debug("metadata enrichment partial", "isbn", isbn13, "errors", result.Errors)
	}
	return result
}

// subjectOnly returns up to SubjectProviders available subject providers that
// aren't already contributing through the metadata fan-out.
func (o *Orchestrator) subjectOnly(ctx context.Context, already []provider.Provider) []provider.Provider {
	contributing := make(map[string]bool, len(already))
	for _, p := range already {
		contributing[p.Name()] = true
	}

	var out []provider.Provider
	for _, p := range o.providers(ctx, provider.CapSubjects, false) {
		if contributing[p.Name()] {
			continue
		}
		if _, ok := p.(provider.SubjectFetcher); !ok {
			continue
		}
		out = append(out, p)
		if len(out) == o.cfg.SubjectProviders {
			break
		}
	}
	return out
}
