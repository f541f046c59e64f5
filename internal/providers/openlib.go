package providers

import (
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
)

// OpenLib is the free community catalog. It's the workhorse fallback: ISBN
// resolution, metadata, covers, edition variants, external IDs and ratings,
// all without touching paid quota.
type OpenLib struct {
	host    string
	client  *http.Client
	breaker *breakerTransport
}

var (
	_ provider.Provider          = (*OpenLib)(nil)
	_ provider.ISBNResolver      = (*OpenLib)(nil)
	_ provider.MetadataFetcher   = (*OpenLib)(nil)
	_ provider.CoverFetcher      = (*OpenLib)(nil)
	_ provider.VariantLister     = (*OpenLib)(nil)
	_ provider.ExternalIDFetcher = (*OpenLib)(nil)
	_ provider.RatingsFetcher    = (*OpenLib)(nil)
)

// NewOpenLib creates the free catalog adapter.
func NewOpenLib(host string) *OpenLib {
	client, breaker := newClient(clientConfig{
		host:    host,
		rps:     rate.Limit(5),
		breaker: true,
	})
	return &OpenLib{host: host, client: client, breaker: breaker}
}

// Name implements provider.Provider.
func (o *OpenLib) Name() string { return "openlib" }

// Tier implements provider.Provider.
func (o *OpenLib) Tier() provider.Tier { return provider.TierFree }

// Capabilities implements provider.Provider.
func (o *OpenLib) Capabilities() []provider.Capability {
	return []provider.Capability{
		provider.CapISBNResolution,
		provider.CapMetadata,
		provider.CapCoverImages,
		provider.CapEditionVariants,
		provider.CapExternalIDs,
		provider.CapRatings,
	}
}

// IsAvailable is gated only on the circuit breaker; there's no key to check.
func (o *OpenLib) IsAvailable(ctx context.Context) (bool, error) {
	if o.host == "" {
		return false, nil
	}
	return o.breaker == nil || !o.breaker.open(), nil
}

type openLibEdition struct {
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle"`
	Publishers    []string `json:"publishers"`
	PublishDate   string   `json:"publish_date"`
	NumberOfPages int      `json:"number_of_pages"`
	PhysicalForm  string   `json:"physical_format"`
	Covers        []int64  `json:"covers"`
	Subjects      []string `json:"subjects"`
	Languages     []struct {
		Key string `json:"key"`
	} `json:"languages"`
	Works []struct {
		Key string `json:"key"`
	} `json:"works"`
	Authors []struct {
		Key string `json:"key"`
	} `json:"authors"`
	Identifiers map[string][]string `json:"identifiers"`
	ISBN13      []string            `json:"isbn_13"`
	ISBN10      []string            `json:"isbn_10"`
}

// FetchMetadata loads an edition record by ISBN.
func (o *OpenLib) FetchMetadata(ctx context.Context, isbn13 string) (*provider.Metadata, error) {
	var ed openLibEdition
	ok, err := o.getJSON(ctx, "/isbn/"+url.PathEscape(isbn13)+".json", &ed)
	if err != nil || !ok {
		return nil, err
	}

	md := &provider.Metadata{
		ISBN:         isbn13,
		Title:        strings.TrimSpace(ed.Title),
		Subtitle:     strings.TrimSpace(ed.Subtitle),
		PublishDate:  ed.PublishDate,
		PageCount:    ed.NumberOfPages,
		Binding:      ed.PhysicalForm,
		Subjects:     ed.Subjects,
		ExternalIDs:  map[string]string{},
		QualityScore: 70,
		Source:       o.Name(),
	}
	if len(ed.Publishers) > 0 {
		md.Publisher = ed.Publishers[0]
	}
	if len(ed.Languages) > 0 {
		md.Language = strings.TrimPrefix(ed.Languages[0].Key, "/languages/")
	}
	if len(ed.Covers) > 0 && ed.Covers[0] > 0 {
		md.CoverURL = fmt.Sprintf("https://%s/b/id/%d-L.jpg", _openLibCoverHost, ed.Covers[0])
	}
	if len(ed.Works) > 0 {
		md.ExternalIDs["openlibrary_work"] = strings.TrimPrefix(ed.Works[0].Key, "/works/")
	}
	for typ, vals := range ed.Identifiers {
		if len(vals) > 0 {
			md.ExternalIDs[typ] = vals[0]
		}
	}
	for _, raw := range append(ed.ISBN13, ed.ISBN10...) {
		if related, err := isbn.Normalize(raw); err == nil && related != isbn13 {
			md.RelatedISBNs = append(md.RelatedISBNs, related)
		}
	}
	return md, nil
}

// _openLibCoverHost serves the community covers endpoint.
const _openLibCoverHost = "covers.openlibrary.org"

// FetchCover returns the community cover URL, verified with a cheap HEAD so
// we don't enqueue a known-missing image.
func (o *OpenLib) FetchCover(ctx context.Context, isbn13 string) (*provider.Cover, error) {
	coverURL := fmt.Sprintf("https://%s/b/isbn/%s-L.jpg?default=false", _openLibCoverHost, url.PathEscape(isbn13))

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, coverURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", _userAgent)

	// The covers endpoint is a separate host, so this bypasses the scoped
	// catalog client on purpose.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probing cover: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if rerr := returnedError(resp); rerr != nil {
			return nil, rerr
		}
		return nil, nil // No cover known.
	}
	return &provider.Cover{URL: coverURL, Source: o.Name(), Size: "large"}, nil
}

// ResolveISBN searches the catalog for a title/author match.
func (o *OpenLib) ResolveISBN(ctx context.Context, title, author string) (*provider.ISBNResolution, error) {
	q := url.Values{}
	q.Set("title", title)
	if author != "" {
		q.Set("author", author)
	}
	q.Set("limit", "5")
	q.Set("fields", "title,isbn,author_name")

	var out struct {
		Docs []struct {
			Title      string   `json:"title"`
			ISBNs      []string `json:"isbn"`
			AuthorName []string `json:"author_name"`
		} `json:"docs"`
	}
	ok, err := o.getJSON(ctx, "/search.json?"+q.Encode(), &out)
	if err != nil || !ok {
		return nil, err
	}

	for _, doc := range out.Docs {
		for _, raw := range doc.ISBNs {
			normalized, err := isbn.Normalize(raw)
			if err != nil {
				continue
			}
			confidence := 70
			if strings.EqualFold(strings.TrimSpace(doc.Title), strings.TrimSpace(title)) {
				confidence = 85
			}
			return &provider.ISBNResolution{ISBN: normalized, Confidence: confidence, Source: o.Name()}, nil
		}
	}
	return nil, nil
}

// FetchEditionVariants lists other editions of the same work.
func (o *OpenLib) FetchEditionVariants(ctx context.Context, isbn13 string) ([]provider.EditionVariant, error) {
	md, err := o.FetchMetadata(ctx, isbn13)
	if err != nil || md == nil {
		return nil, err
	}
	workID := md.ExternalIDs["openlibrary_work"]
	if workID == "" {
		return nil, nil
	}

	var out struct {
		Entries []openLibEdition `json:"entries"`
	}
	ok, err := o.getJSON(ctx, "/works/"+url.PathEscape(workID)+"/editions.json?limit=50", &out)
	if err != nil || !ok {
		return nil, err
	}

	var variants []provider.EditionVariant
	for _, e := range out.Entries {
		for _, raw := range append(e.ISBN13, e.ISBN10...) {
			normalized, err := isbn.Normalize(raw)
			if err != nil || normalized == isbn13 {
				continue
			}
			v := provider.EditionVariant{
				ISBN:   normalized,
				Format: e.PhysicalForm,
				Source: o.Name(),
			}
			if len(e.Languages) > 0 {
				v.Language = strings.TrimPrefix(e.Languages[0].Key, "/languages/")
			}
			if len(e.Publishers) > 0 {
				v.Publisher = e.Publishers[0]
			}
			variants = append(variants, v)
			break // One ISBN per entry is enough.
		}
	}
	return variants, nil
}

// FetchEnhancedExternalIDs maps the edition's identifier table.
func (o *OpenLib) FetchEnhancedExternalIDs(ctx context.Context, isbn13 string) ([]provider.ExternalID, error) {
	md, err := o.FetchMetadata(ctx, isbn13)
	if err != nil || md == nil {
		return nil, err
	}
	ids := make([]provider.ExternalID, 0, len(md.ExternalIDs))
	for typ, val := range md.ExternalIDs {
		ids = append(ids, provider.ExternalID{Type: typ, Value: val, Confidence: 75, Sources: []string{o.Name()}})
	}
	return ids, nil
}

// FetchRatings reads the work's community rating.
func (o *OpenLib) FetchRatings(ctx context.Context, isbn13 string) (*provider.Rating, error) {
	md, err := o.FetchMetadata(ctx, isbn13)
	if err != nil || md == nil {
		return nil, err
	}
	workID := md.ExternalIDs["openlibrary_work"]
	if workID == "" {
		return nil, nil
	}

	var out struct {
		Summary struct {
			Average float64 `json:"average"`
			Count   int     `json:"count"`
		} `json:"summary"`
	}
	ok, err := o.getJSON(ctx, "/works/"+url.PathEscape(workID)+"/ratings.json", &out)
	if err != nil || !ok {
		return nil, err
	}
	if out.Summary.Count == 0 {
		return nil, nil
	}
	return &provider.Rating{
		Average:    out.Summary.Average,
		Count:      out.Summary.Count,
		Confidence: 70,
		Source:     o.Name(),
	}, nil
}

func (o *OpenLib) getJSON(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	resp, err := o.client.Do(req)
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
		logging.Log(ctx).Warn("problem parsing response", "provider", o.Name(), "path", path, "err", err)
		return false, fmt.Errorf("parsing response: %w", err)
	}
	return true, nil
}
