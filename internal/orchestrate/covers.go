package orchestrate

import (
	"context"
	"time"

	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/provider"
)

// CoverResult is the first usable cover found, if any.
type CoverResult struct {
	Cover    *provider.Cover `json:"cover,omitempty"`
	Attempts []Attempt       `json:"attempts,omitempty"`
}

// FetchCover walks cover providers free-first (one URL suffices, so paid
// quota is the fallback, not the default) and returns the first hit.
func (o *Orchestrator) FetchCover(ctx context.Context, isbn13 string) CoverResult {
	start := time.Now()
	providers := o.providers(ctx, provider.CapCoverImages, true)

	var attempts []Attempt
	for _, p := range providers {
		fetcher, ok := p.(provider.CoverFetcher)
		if !ok {
			continue
		}
		cover, att := tryProvider(ctx, p.Name(), o.cfg.ProviderTimeout, func(ctx context.Context) (*provider.Cover, error) {
			return fetcher.FetchCover(ctx, isbn13)
		})
		attempts = append(attempts, att)
		if !att.ok() {
			logging.Log(ctx).Warn("cover attempt failed", "provider", p.Name(), "isbn", isbn13, "err", att.Err)
			continue
		}
		if cover != nil && cover.URL != "" {
			o.emit(ctx, "fetch_cover", isbn13, p.Name(), start, attempts)
			return CoverResult{Cover: cover, Attempts: attempts}
		}
	}

	o.emit(ctx, "fetch_cover", isbn13, "", start, attempts)
	return CoverResult{Attempts: attempts}
}
