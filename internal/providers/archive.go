package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/bookforge/bookforge/internal/isbn"
	"github.com/bookforge/bookforge/internal/provider"
)

// Archive is the archive-style provider: strongest for pre-2000 books and a
// good source of edition variants and scanned-copy ratings.
type Archive struct {
	host    string
	client  *http.Client
	breaker *breakerTransport
}

var (
	_ provider.Provider        = (*Archive)(nil)
	_ provider.MetadataFetcher = (*Archive)(nil)
	_ provider.VariantLister   = (*Archive)(nil)
	_ provider.RatingsFetcher  = (*Archive)(nil)
)

// NewArchive creates the archive adapter.
func NewArchive(host string) *Archive {
	client, breaker := newClient(clientConfig{
		host:    host,
		rps:     rate.Limit(2),
		breaker: true,
	})
	return &Archive{host: host, client: client, breaker: breaker}
}

// Name implements provider.Provider.
func (a *Archive) Name() string { return "archive" }

// Tier implements provider.Provider.
func (a *Archive) Tier() provider.Tier { return provider.TierFree }

// Capabilities implements provider.Provider.
func (a *Archive) Capabilities() []provider.Capability {
	return []provider.Capability{
		provider.CapMetadata,
		provider.CapEditionVariants,
		provider.CapRatings,
	}
}

// IsAvailable implements provider.Provider.
func (a *Archive) IsAvailable(ctx context.Context) (bool, error) {
	if a.host == "" {
		return false, nil
	}
	return a.breaker == nil || !a.breaker.open(), nil
}

type archiveDoc struct {
	Identifier string   `json:"identifier"`
	Title      string   `json:"title"`
	Creator    []string `json:"creator"`
	Publisher  []string `json:"publisher"`
	Year       string   `json:"year"`
	Language   []string `json:"language"`
	ISBNs      []string `json:"isbn"`
	Format     []string `json:"format"`
	AvgRating  float64  `json:"avg_rating"`
	NumReviews int      `json:"num_reviews"`
	Subject    []string `json:"subject"`
}

func (a *Archive) search(ctx context.Context, isbn13 string, rows int) ([]archiveDoc, error) {
	q := url.Values{}
	q.Set("q", "isbn:"+isbn13)
	q.Set("output", "json")
	q.Set("rows", strconv.Itoa(rows))
	q.Set("fl[]", "identifier,title,creator,publisher,year,language,isbn,format,avg_rating,num_reviews,subject")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/advancedsearch.php?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if rerr := returnedError(resp); rerr != nil {
			return nil, rerr
		}
		return nil, nil
	}

	var out struct {
		Response struct {
			Docs []archiveDoc `json:"docs"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return out.Response.Docs, nil
}

// FetchMetadata returns scan-derived metadata. Quality is below the catalog
// sources, so it mostly fills gaps for older books.
func (a *Archive) FetchMetadata(ctx context.Context, isbn13 string) (*provider.Metadata, error) {
	docs, err := a.search(ctx, isbn13, 1)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	d := docs[0]

	md := &provider.Metadata{
		ISBN:         isbn13,
		Title:        strings.TrimSpace(d.Title),
		Authors:      d.Creator,
		Subjects:     d.Subject,
		PublishDate:  d.Year,
		ExternalIDs:  map[string]string{"archive": d.Identifier},
		QualityScore: 50,
		Source:       a.Name(),
	}
	if len(d.Publisher) > 0 {
		md.Publisher = d.Publisher[0]
	}
	if len(d.Language) > 0 {
		md.Language = d.Language[0]
	}
	if y, err := strconv.Atoi(d.Year); err == nil {
		md.FirstPublish = y
	}
	return md, nil
}

// FetchEditionVariants lists other scanned printings carrying sibling ISBNs.
func (a *Archive) FetchEditionVariants(ctx context.Context, isbn13 string) ([]provider.EditionVariant, error) {
	docs, err := a.search(ctx, isbn13, 20)
	if err != nil {
		return nil, err
	}

	var variants []provider.EditionVariant
	for _, d := range docs {
		for _, raw := range d.ISBNs {
			normalized, err := isbn.Normalize(raw)
			if err != nil || normalized == isbn13 {
				continue
			}
			v := provider.EditionVariant{
				ISBN:   normalized,
				Source: a.Name(),
			}
			if len(d.Format) > 0 {
				v.Format = d.Format[0]
			}
			if len(d.Language) > 0 {
				v.Language = d.Language[0]
			}
			if len(d.Publisher) > 0 {
				v.Publisher = d.Publisher[0]
			}
			if y, err := strconv.Atoi(d.Year); err == nil {
				v.Year = y
			}
			variants = append(variants, v)
		}
	}
	return variants, nil
}

// FetchRatings returns the average review score when the item has reviews.
func (a *Archive) FetchRatings(ctx context.Context, isbn13 string) (*provider.Rating, error) {
	docs, err := a.search(ctx, isbn13, 1)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	d := docs[0]
	if d.NumReviews == 0 {
		return nil, nil
	}
	return &provider.Rating{
		Average:    d.AvgRating,
		Count:      d.NumReviews,
		Confidence: 55,
		Source:     a.Name(),
	}, nil
}
