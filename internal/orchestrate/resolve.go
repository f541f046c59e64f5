package orchestrate

import (
	"context"
	"time"

	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/provider"
)

// Source values used when no provider produced an ISBN.
const (
	SourceNone      = "none"       // No provider had a match.
	SourceAllFailed = "all-failed" // Every attempt errored or timed out.
)

// ResolveResult is the outcome of an ISBN resolution chain. A missing match
// is not an error: ISBN stays empty and Source explains why.
type ResolveResult struct {
	ISBN       string    `json:"isbn,omitempty"`
	Confidence int       `json:"confidence,omitempty"`
	Source     string    `json:"source"`
	Attempts   []Attempt `json:"attempts,omitempty"`
}

// ResolveISBN walks resolvers in order and stops at the first non-nil match.
func (o *Orchestrator) ResolveISBN(ctx context.Context, title, author string) ResolveResult {
	start := time.Now()
	providers := o.providers(ctx, provider.CapISBNResolution, false)

	var attempts []Attempt
	anySucceeded := false
	for _, p := range providers {
		resolver, ok := p.(provider.ISBNResolver)
		if !ok {
			continue
		}
		res, att := tryProvider(ctx, p.Name(), o.cfg.ProviderTimeout, func(ctx context.Context) (*provider.ISBNResolution, error) {
			return resolver.ResolveISBN(ctx, title, author)
		})
		attempts = append(attempts, att)
		if !att.ok() {
			logging.Log(ctx).Warn("resolver attempt failed", "provider", p.Name(), "err", att.Err)
			continue
		}
		anySucceeded = true
		if res != nil && res.ISBN != "" {
			o.emit(ctx, "resolve_isbn", title, p.Name(), start, attempts)
			return ResolveResult{ISBN: res.ISBN, Confidence: res.Confidence, Source: p.Name(), Attempts: attempts}
		}
	}

	source := SourceNone
	if len(attempts) > 0 && !anySucceeded {
		source = SourceAllFailed
	}
	o.emit(ctx, "resolve_isbn", title, "", start, attempts)
	return ResolveResult{Source: source, Attempts: attempts}
}
