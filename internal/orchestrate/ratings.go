package orchestrate

import (
	"context"
	"time"

	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/provider"
)

// RatingResult is the chosen rating, if any provider had one.
type RatingResult struct {
	Rating   *provider.Rating `json:"rating,omitempty"`
	Attempts []Attempt        `json:"attempts,omitempty"`
}

// FetchRating returns a reader rating. Default mode is fallback (first hit
// wins); AggregateRatings polls everyone and keeps the highest-confidence
// answer.
func (o *Orchestrator) FetchRating(ctx context.Context, isbn13 string) RatingResult {
	start := time.Now()
	providers := o.providers(ctx, provider.CapRatings, false)

	var result RatingResult
	winner := ""
	for _, p := range providers {
		fetcher, ok := p.(provider.RatingsFetcher)
		if !ok {
			continue
		}
		rating, att := tryProvider(ctx, p.Name(), o.cfg.ProviderTimeout, func(ctx context.Context) (*provider.Rating, error) {
			return fetcher.FetchRatings(ctx, isbn13)
		})
		result.Attempts = append(result.Attempts, att)
		if !att.ok() {
			logging.Log(ctx).Warn("rating attempt failed", "provider", p.Name(), "isbn", isbn13, "err", att.Err)
			continue
		}
		if rating == nil {
			continue
		}
		if !o.cfg.AggregateRatings {
			result.Rating = rating
			winner = p.Name()
			break
		}
		if result.Rating == nil || rating.Confidence > result.Rating.Confidence {
			result.Rating = rating
			winner = p.Name()
		}
	}

	o.emit(ctx, "ratings", isbn13, winner, start, result.Attempts)
	return result
}
