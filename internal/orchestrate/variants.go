package orchestrate

import (
	"context"
	"time"

	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/provider"
)

// VariantsResult is the aggregated edition-variant list.
type VariantsResult struct {
	Variants []provider.EditionVariant `json:"variants"`
	Attempts []Attempt                 `json:"attempts,omitempty"`
}

// EditionVariants aggregates variants from every available lister. Variants
// are deduplicated by ISBN: the highest-priority provider's record wins and
// later providers are appended to its Sources list.
func (o *Orchestrator) EditionVariants(ctx context.Context, isbn13 string) VariantsResult {
	start := time.Now()
	providers := o.providers(ctx, provider.CapEditionVariants, false)

	byISBN := map[string]int{}
	var result VariantsResult
	winner := ""

	for _, p := range providers {
		lister, ok := p.(provider.VariantLister)
		if !ok {
			continue
		}
		variants, att := tryProvider(ctx, p.Name(), o.cfg.ProviderTimeout, func(ctx context.Context) ([]provider.EditionVariant, error) {
			return lister.FetchEditionVariants(ctx, isbn13)
		})
		result.Attempts = append(result.Attempts, att)
		if !att.ok() {
			logging.Log(ctx).Warn("variant attempt failed", "provider", p.Name(), "isbn", isbn13, "err", att.Err)
			continue
		}
		if len(variants) > 0 && winner == "" {
			winner = p.Name()
		}
		for _, v := range variants {
			if idx, ok := byISBN[v.ISBN]; ok {
				kept := &result.Variants[idx]
				if !contains(kept.Sources, v.Source) {
					kept.Sources = append(kept.Sources, v.Source)
				}
				continue
			}
			v.Sources = []string{v.Source}
			byISBN[v.ISBN] = len(result.Variants)
			result.Variants = append(result.Variants, v)
		}
	}

	o.emit(ctx, "edition_variants", isbn13, winner, start, result.Attempts)
	return result
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
