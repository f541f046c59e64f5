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

	"github.com/bookforge/bookforge/internal/provider"
)

// Wikidata runs SPARQL queries against the public endpoint. Its strengths
// are subject tags, author biography (the diversity-enrichment source) and
// crosswalk IDs; it knows very little about editions.
type Wikidata struct {
	host    string
	client  *http.Client
	breaker *breakerTransport
}

var (
	_ provider.Provider          = (*Wikidata)(nil)
	_ provider.SubjectFetcher    = (*Wikidata)(nil)
	_ provider.ExternalIDFetcher = (*Wikidata)(nil)
	_ provider.AuthorFetcher     = (*Wikidata)(nil)
)

// NewWikidata creates the SPARQL adapter.
func NewWikidata(host string) *Wikidata {
	client, breaker := newClient(clientConfig{
		host:    host,
		rps:     rate.Limit(1), // The endpoint is aggressively throttled.
		breaker: true,
	})
	return &Wikidata{host: host, client: client, breaker: breaker}
}

// Name implements provider.Provider.
func (w *Wikidata) Name() string { return "wikidata" }

// Tier implements provider.Provider.
func (w *Wikidata) Tier() provider.Tier { return provider.TierFree }

// Capabilities implements provider.Provider.
func (w *Wikidata) Capabilities() []provider.Capability {
	return []provider.Capability{
		provider.CapSubjects,
		provider.CapExternalIDs,
	}
}

// IsAvailable implements provider.Provider.
func (w *Wikidata) IsAvailable(ctx context.Context) (bool, error) {
	if w.host == "" {
		return false, nil
	}
	return w.breaker == nil || !w.breaker.open(), nil
}

// sparqlResult is the standard SPARQL JSON result envelope.
type sparqlResult struct {
	Results struct {
		Bindings []map[string]struct {
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

func (w *Wikidata) query(ctx context.Context, sparql string) (*sparqlResult, error) {
	q := url.Values{}
	q.Set("query", sparql)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/sparql?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/sparql-results+json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing sparql: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if rerr := returnedError(resp); rerr != nil {
			return nil, rerr
		}
		return nil, nil
	}

	var out sparqlResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing sparql response: %w", err)
	}
	return &out, nil
}

// FetchSubjects returns genre/subject labels for the book identified by ISBN.
func (w *Wikidata) FetchSubjects(ctx context.Context, isbn13 string) ([]string, error) {
	sparql := fmt.Sprintf(`
SELECT DISTINCT ?genreLabel WHERE {
  ?book wdt:P212 %q .
  ?book wdt:P136 ?genre .
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
} LIMIT 20`, hyphenateISBN(isbn13))

	res, err := w.query(ctx, sparql)
	if err != nil || res == nil {
		return nil, err
	}

	var subjects []string
	for _, b := range res.Results.Bindings {
		if v, ok := b["genreLabel"]; ok && v.Value != "" {
			subjects = append(subjects, v.Value)
		}
	}
	return subjects, nil
}

// FetchEnhancedExternalIDs returns the entity QID plus any library IDs.
func (w *Wikidata) FetchEnhancedExternalIDs(ctx context.Context, isbn13 string) ([]provider.ExternalID, error) {
	sparql := fmt.Sprintf(`
SELECT ?book ?olid ?viaf WHERE {
  ?book wdt:P212 %q .
  OPTIONAL { ?book wdt:P648 ?olid . }
  OPTIONAL { ?book wdt:P214 ?viaf . }
} LIMIT 1`, hyphenateISBN(isbn13))

	res, err := w.query(ctx, sparql)
	if err != nil || res == nil || len(res.Results.Bindings) == 0 {
		return nil, err
	}

	b := res.Results.Bindings[0]
	var ids []provider.ExternalID
	if v, ok := b["book"]; ok {
		qid := v.Value[strings.LastIndex(v.Value, "/")+1:]
		ids = append(ids, provider.ExternalID{Type: "wikidata", Value: qid, Confidence: 85, Sources: []string{w.Name()}})
	}
	if v, ok := b["olid"]; ok && v.Value != "" {
		ids = append(ids, provider.ExternalID{Type: "openlibrary", Value: v.Value, Confidence: 75, Sources: []string{w.Name()}})
	}
	if v, ok := b["viaf"]; ok && v.Value != "" {
		ids = append(ids, provider.ExternalID{Type: "viaf", Value: v.Value, Confidence: 75, Sources: []string{w.Name()}})
	}
	return ids, nil
}

// FetchAuthor returns biographical detail by author name. This backs the
// scheduled diversity-enrichment pass.
func (w *Wikidata) FetchAuthor(ctx context.Context, name string) (*provider.AuthorDetail, error) {
	sparql := fmt.Sprintf(`
SELECT ?person ?genderLabel ?countryLabel ?birth ?death ?birthPlaceLabel WHERE {
  ?person wdt:P31 wd:Q5 ; rdfs:label %q@en ; wdt:P106 wd:Q36180 .
  OPTIONAL { ?person wdt:P21 ?gender . }
  OPTIONAL { ?person wdt:P27 ?country . }
  OPTIONAL { ?person wdt:P569 ?birth . }
  OPTIONAL { ?person wdt:P570 ?death . }
  OPTIONAL { ?person wdt:P19 ?birthPlace . }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
} LIMIT 1`, name)

	res, err := w.query(ctx, sparql)
	if err != nil || res == nil || len(res.Results.Bindings) == 0 {
		return nil, err
	}

	b := res.Results.Bindings[0]
	detail := &provider.AuthorDetail{Name: name, Source: w.Name(), ExternalIDs: map[string]string{}}
	if v, ok := b["person"]; ok {
		qid := v.Value[strings.LastIndex(v.Value, "/")+1:]
		detail.WikidataID = qid
		detail.ExternalIDs["wikidata"] = qid
	}
	if v, ok := b["genderLabel"]; ok {
		detail.Gender = v.Value
	}
	if v, ok := b["countryLabel"]; ok {
		detail.Nationality = v.Value
	}
	if v, ok := b["birthPlaceLabel"]; ok {
		detail.BirthPlace = v.Value
	}
	if v, ok := b["birth"]; ok {
		detail.BirthYear = yearOf(v.Value)
	}
	if v, ok := b["death"]; ok {
		detail.DeathYear = yearOf(v.Value)
	}
	return detail, nil
}

// yearOf extracts the year from an xsd:dateTime value, tolerating junk.
func yearOf(ts string) int {
	if len(ts) < 4 {
		return 0
	}
	y, err := strconv.Atoi(ts[:4])
	if err != nil {
		return 0
	}
	return y
}

// hyphenateISBN renders the canonical hyphenated form Wikidata stores for
// P212. The grouping is approximate (prefix-element splits vary), but the
// endpoint also indexes unhyphenated values so a miss is a clean miss.
func hyphenateISBN(isbn13 string) string {
	if len(isbn13) != 13 {
		return isbn13
	}
	return isbn13[:3] + "-" + isbn13[3:4] + "-" + isbn13[4:9] + "-" + isbn13[9:12] + "-" + isbn13[12:]
}
