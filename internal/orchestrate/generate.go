package orchestrate

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/provider"
)

// GenerateResult is the combined, deduplicated output of the AI providers.
type GenerateResult struct {
	Books             []provider.GeneratedBook `json:"books"`
	DuplicatesRemoved int                      `json:"duplicatesRemoved"`
	Providers         []string                 `json:"providers,omitempty"`
	Attempts          []Attempt                `json:"attempts,omitempty"`
}

// GenerateBooks asks the AI providers for suggestions. The default mode runs
// them concurrently and deduplicates the union by title similarity; the
// sequential mode walks the priority order and stops at the first non-empty
// list. Provider failures are isolated; the call only comes back empty when
// every provider did.
func (o *Orchestrator) GenerateBooks(ctx context.Context, prompt string, count int) GenerateResult {
	start := time.Now()
	providers := o.providers(ctx, provider.CapBookGeneration, false)

	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	logging.Log(ctx).Info("generating books", "providers", names, "count", count, "sequential", o.cfg.SequentialGeneration)

	var result GenerateResult
	result.Providers = names

	if o.cfg.SequentialGeneration {
		for _, p := range providers {
			gen, ok := p.(provider.BookGenerator)
			if !ok {
				continue
			}
			books, att := tryProvider(ctx, p.Name(), o.cfg.GenerationTimeout, func(ctx context.Context) ([]provider.GeneratedBook, error) {
				return gen.GenerateBooks(ctx, prompt, count)
			})
			result.Attempts = append(result.Attempts, att)
			if !att.ok() {
				logging.Log(ctx).Warn("generation attempt failed", "provider", p.Name(), "err", att.Err)
				continue
			}
			if len(books) > 0 {
				result.Books, result.DuplicatesRemoved = dedupBooks(books, o.cfg.DedupThreshold)
				o.emit(ctx, "generate_books", prompt, p.Name(), start, result.Attempts)
				return result
			}
		}
		o.emit(ctx, "generate_books", prompt, "", start, result.Attempts)
		return result
	}

	lists := make([][]provider.GeneratedBook, len(providers))
	attempts := make([]Attempt, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		gen, ok := p.(provider.BookGenerator)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			books, att := tryProvider(ctx, p.Name(), o.cfg.GenerationTimeout, func(ctx context.Context) ([]provider.GeneratedBook, error) {
				return gen.GenerateBooks(ctx, prompt, count)
			})
			lists[i] = books
			attempts[i] = att
		}()
	}
	wg.Wait()

	var combined []provider.GeneratedBook
	winner := ""
	for i, att := range attempts {
		if att.Provider == "" {
			continue
		}
		result.Attempts = append(result.Attempts, att)
		if !att.ok() {
			logging.Log(ctx).Warn("generation attempt failed", "provider", att.Provider, "err", att.Err)
			continue
		}
		if len(lists[i]) > 0 && winner == "" {
			winner = att.Provider
		}
		combined = append(combined, lists[i]...)
	}

	result.Books, result.DuplicatesRemoved = dedupBooks(combined, o.cfg.DedupThreshold)
	o.emit(ctx, "generate_books", prompt, winner, start, result.Attempts)
	return result
}

// dedupBooks removes repeats of the same title. Exact matches on the
// normalized form are dropped in O(n); survivors take one fuzzy pass against
// previously accepted titles with a Levenshtein similarity ratio.
func dedupBooks(books []provider.GeneratedBook, threshold float64) ([]provider.GeneratedBook, int) {
	exact := map[string]struct{}{}
	var accepted []provider.GeneratedBook
	var acceptedKeys []string
	removed := 0

	for _, b := range books {
		key := normalizeTitle(b.Title)
		if key == "" {
			removed++
			continue
		}
		if _, ok := exact[key]; ok {
			removed++
			continue
		}
		dup := false
		for _, prev := range acceptedKeys {
			if titleSimilarity(key, prev) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			removed++
			continue
		}
		exact[key] = struct{}{}
		acceptedKeys = append(acceptedKeys, key)
		accepted = append(accepted, b)
	}
	return accepted, removed
}

// normalizeTitle lowercases, strips punctuation and leading articles, and
// collapses whitespace so "The Midnight Library!" and "midnight library"
// compare equal.
func normalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	if len(fields) > 1 {
		switch fields[0] {
		case "the", "a", "an":
			fields = fields[1:]
		}
	}
	return strings.Join(fields, " ")
}

// titleSimilarity is 1 - distance/maxLen over normalized titles.
func titleSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
