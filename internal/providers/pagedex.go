package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/bookforge/bookforge/internal/isbn"
	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/provider"
	"github.com/bookforge/bookforge/internal/quota"
)

// _pagedexBatchMax is the largest ISBN batch the upstream accepts per call.
const _pagedexBatchMax = 1000

// Pagedex is the paid metadata service. Every upstream call is gated on the
// shared quota coordinator; a batch of up to 1000 ISBNs costs one unit.
//
// Cover URLs from Pagedex are signed and expire, so it also implements
// CoverURLRefresher for the cover queue's retry path.
type Pagedex struct {
	host   string
	apiKey string
	quota  *quota.Coordinator
	client *http.Client
}

var (
	_ provider.Provider               = (*Pagedex)(nil)
	_ provider.MetadataFetcher        = (*Pagedex)(nil)
	_ provider.BatchMetadataFetcher   = (*Pagedex)(nil)
	_ provider.ISBNResolver           = (*Pagedex)(nil)
	_ provider.CoverFetcher           = (*Pagedex)(nil)
	_ provider.CoverURLRefresher      = (*Pagedex)(nil)
	_ provider.BibliographyFetcher    = (*Pagedex)(nil)
	_ provider.ReleaseLister          = (*Pagedex)(nil)
	_ provider.ExternalIDFetcher      = (*Pagedex)(nil)
	_ provider.BatchExternalIDFetcher = (*Pagedex)(nil)
)

// NewPagedex creates the paid adapter. The coordinator must be non-nil; the
// adapter is fail-closed without it.
func NewPagedex(host, apiKey string, q *quota.Coordinator) *Pagedex {
	client, _ := newClient(clientConfig{
		host:   host,
		rps:    rate.Limit(3),
		header: [2]string{"Authorization", "Bearer " + apiKey},
	})
	return &Pagedex{host: host, apiKey: apiKey, quota: q, client: client}
}

// Name implements provider.Provider.
func (p *Pagedex) Name() string { return "pagedex" }

// Tier implements provider.Provider.
func (p *Pagedex) Tier() provider.Tier { return provider.TierPaid }

// Capabilities implements provider.Provider.
func (p *Pagedex) Capabilities() []provider.Capability {
	return []provider.Capability{
		provider.CapMetadata,
		provider.CapISBNResolution,
		provider.CapCoverImages,
		provider.CapExternalIDs,
	}
}

// IsAvailable requires a configured key and remaining safety headroom. The
// quota check fails closed, so a broken counter store makes us unavailable
// rather than risking the budget.
func (p *Pagedex) IsAvailable(ctx context.Context) (bool, error) {
	if p.apiKey == "" {
		return false, nil
	}
	if p.quota == nil {
		return false, nil
	}
	return p.quota.Check(ctx, 1, false).Allowed, nil
}

// pagedexBook is the upstream book record.
type pagedexBook struct {
	ISBN13       string            `json:"isbn13"`
	Title        string            `json:"title"`
	Subtitle     string            `json:"subtitle"`
	Synopsis     string            `json:"synopsis"`
	Publisher    string            `json:"publisher"`
	PublishDate  string            `json:"date_published"`
	Language     string            `json:"language"`
	Binding      string            `json:"binding"`
	Pages        int               `json:"pages"`
	Image        string            `json:"image"`
	Authors      []string          `json:"authors"`
	Subjects     []string          `json:"subjects"`
	RelatedISBNs []string          `json:"related_isbns"`
	ExternalIDs  map[string]string `json:"external_ids"`
}

func (b pagedexBook) toMetadata() *provider.Metadata {
	normalized, err := isbn.Normalize(b.ISBN13)
	if err != nil {
		return nil // Malformed entries are dropped, not fatal.
	}
	return &provider.Metadata{
		ISBN:         normalized,
		Title:        strings.TrimSpace(b.Title),
		Subtitle:     strings.TrimSpace(b.Subtitle),
		Description:  strings.TrimSpace(b.Synopsis),
		Publisher:    b.Publisher,
		PublishDate:  b.PublishDate,
		Language:     b.Language,
		Binding:      b.Binding,
		PageCount:    b.Pages,
		CoverURL:     b.Image,
		Authors:      b.Authors,
		Subjects:     b.Subjects,
		RelatedISBNs: b.RelatedISBNs,
		ExternalIDs:  b.ExternalIDs,
		QualityScore: 90,
		Source:       "pagedex",
	}
}

// FetchMetadata looks up a single ISBN. Costs one quota unit.
func (p *Pagedex) FetchMetadata(ctx context.Context, isbn13 string) (*provider.Metadata, error) {
	if !p.quota.Reserve(ctx, 1) {
		return nil, errQuotaExhausted
	}

	var out struct {
		Book pagedexBook `json:"book"`
	}
	ok, err := p.getJSON(ctx, "/book/"+url.PathEscape(isbn13), &out)
	if err != nil || !ok {
		return nil, err
	}
	return out.Book.toMetadata(), nil
}

// FetchMetadataBatch looks up as many as 1000 ISBNs in one upstream request,
// costing one quota unit total. Results are keyed by normalized ISBN; absent
// keys are unknown upstream.
func (p *Pagedex) FetchMetadataBatch(ctx context.Context, isbns []string) (map[string]*provider.Metadata, error) {
	if len(isbns) == 0 {
		return map[string]*provider.Metadata{}, nil
	}
	if len(isbns) > _pagedexBatchMax {
		return nil, fmt.Errorf("batch of %d exceeds upstream limit %d", len(isbns), _pagedexBatchMax)
	}
	if !p.quota.Reserve(ctx, 1) {
		return nil, errQuotaExhausted
	}

	body, err := json.Marshal(map[string]any{"isbns": isbns})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/books", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing batch lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if rerr := returnedError(resp); rerr != nil {
			return nil, rerr
		}
		return map[string]*provider.Metadata{}, nil
	}

	var out struct {
		Data []pagedexBook `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing batch response: %w", err)
	}

	results := make(map[string]*provider.Metadata, len(out.Data))
	for _, b := range out.Data {
		md := b.toMetadata()
		if md == nil {
			logging.Log(ctx).Warn("dropping malformed batch entry", "isbn", b.ISBN13)
			continue
		}
		results[md.ISBN] = md
	}
	return results, nil
}

// ResolveISBN searches by title/author and returns the best match. Costs one
// quota unit.
func (p *Pagedex) ResolveISBN(ctx context.Context, title, author string) (*provider.ISBNResolution, error) {
	if !p.quota.Reserve(ctx, 1) {
		return nil, errQuotaExhausted
	}

	q := url.Values{}
	q.Set("text", title)
	if author != "" {
		q.Set("author", author)
	}

	var out struct {
		Books []pagedexBook `json:"books"`
	}
	ok, err := p.getJSON(ctx, "/search/books?"+q.Encode(), &out)
	if err != nil || !ok {
		return nil, err
	}

	for _, b := range out.Books {
		normalized, err := isbn.Normalize(b.ISBN13)
		if err != nil {
			continue
		}
		confidence := 80
		if strings.EqualFold(strings.TrimSpace(b.Title), strings.TrimSpace(title)) {
			confidence = 95
		}
		return &provider.ISBNResolution{ISBN: normalized, Confidence: confidence, Source: p.Name()}, nil
	}
	return nil, nil
}

// FetchCover returns a signed cover URL. The URL expires; consumers must be
// prepared to call RefreshCoverURL.
func (p *Pagedex) FetchCover(ctx context.Context, isbn13 string) (*provider.Cover, error) {
	md, err := p.FetchMetadata(ctx, isbn13)
	if err != nil || md == nil || md.CoverURL == "" {
		return nil, err
	}
	return &provider.Cover{URL: md.CoverURL, Source: p.Name(), Size: "large"}, nil
}

// OwnsURL reports whether a cover URL was issued by this provider.
func (p *Pagedex) OwnsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Host == p.host || strings.HasSuffix(u.Host, "."+p.host)
}

// RefreshCoverURL mints a fresh signed URL after the old one expired.
func (p *Pagedex) RefreshCoverURL(ctx context.Context, isbn13 string) (string, error) {
	cover, err := p.FetchCover(ctx, isbn13)
	if err != nil {
		return "", err
	}
	if cover == nil {
		return "", fmt.Errorf("no cover available for %s", isbn13)
	}
	return cover.URL, nil
}

// FetchEnhancedExternalIDs exposes the crosswalk data included in the
// upstream book record.
func (p *Pagedex) FetchEnhancedExternalIDs(ctx context.Context, isbn13 string) ([]provider.ExternalID, error) {
	md, err := p.FetchMetadata(ctx, isbn13)
	if err != nil || md == nil {
		return nil, err
	}
	return p.externalIDsOf(md), nil
}

// FetchEnhancedExternalIDsBatch resolves the crosswalk for a whole batch
// through the batch book endpoint, costing one quota unit total.
func (p *Pagedex) FetchEnhancedExternalIDsBatch(ctx context.Context, isbns []string) (map[string][]provider.ExternalID, error) {
	results, err := p.FetchMetadataBatch(ctx, isbns)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]provider.ExternalID, len(results))
	for isbn13, md := range results {
		if ids := p.externalIDsOf(md); len(ids) > 0 {
			out[isbn13] = ids
		}
	}
	return out, nil
}

func (p *Pagedex) externalIDsOf(md *provider.Metadata) []provider.ExternalID {
	if md == nil {
		return nil
	}
	ids := make([]provider.ExternalID, 0, len(md.ExternalIDs))
	for typ, val := range md.ExternalIDs {
		ids = append(ids, provider.ExternalID{Type: typ, Value: val, Confidence: 90, Sources: []string{p.Name()}})
	}
	return ids
}

// FetchAuthorBibliography pages through an author's catalog. Each page costs
// one quota unit; callers bound maxPages via the bulk_author rule.
func (p *Pagedex) FetchAuthorBibliography(ctx context.Context, author string, maxPages int) ([]provider.Metadata, error) {
	if maxPages <= 0 {
		maxPages = 1
	}

	var results []provider.Metadata
	for page := 1; page <= maxPages; page++ {
		if !p.quota.Reserve(ctx, 1) {
			// Return what we have; the scheduler resumes from its cursor.
			logging.Log(ctx).Warn("bibliography harvest stopped by quota", "author", author, "page", page)
			return results, nil
		}

		q := url.Values{}
		q.Set("page", fmt.Sprint(page))
		q.Set("pageSize", "100")

		var out struct {
			Books []pagedexBook `json:"books"`
		}
		ok, err := p.getJSON(ctx, "/author/"+url.PathEscape(author)+"?"+q.Encode(), &out)
		if err != nil {
			return results, err
		}
		if !ok || len(out.Books) == 0 {
			break
		}
		for _, b := range out.Books {
			if md := b.toMetadata(); md != nil {
				results = append(results, *md)
			}
		}
		if len(out.Books) < 100 {
			break // Short page ends the catalog.
		}
	}
	return results, nil
}

// FetchNewReleases returns one page of books published in the given month.
// Each page costs one quota unit.
func (p *Pagedex) FetchNewReleases(ctx context.Context, year, month, page int) ([]provider.Metadata, bool, error) {
	if page <= 0 {
		page = 1
	}
	if !p.quota.Reserve(ctx, 1) {
		return nil, false, errQuotaExhausted
	}

	q := url.Values{}
	q.Set("year", fmt.Sprint(year))
	q.Set("month", fmt.Sprint(month))
	q.Set("page", fmt.Sprint(page))
	q.Set("pageSize", "100")

	var out struct {
		Books []pagedexBook `json:"books"`
	}
	ok, err := p.getJSON(ctx, "/releases?"+q.Encode(), &out)
	if err != nil || !ok {
		return nil, false, err
	}

	var results []provider.Metadata
	for _, b := range out.Books {
		if md := b.toMetadata(); md != nil {
			results = append(results, *md)
		}
	}
	return results, len(out.Books) == 100, nil
}

// getJSON performs a GET and decodes the body. Returns ok=false (and no
// error) on non-retryable 4xx so callers treat the ISBN as unknown.
func (p *Pagedex) getJSON(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("doing upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if rerr := returnedError(resp); rerr != nil {
			return false, rerr
		}
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("parsing response: %w", err)
	}
	return true, nil
}
