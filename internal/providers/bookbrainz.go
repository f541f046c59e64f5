package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/bookforge/bookforge/internal/provider"
)

// BookBrainz is the free work-graph source. It's weaker than the catalog on
// edition detail but strong on subjects and crosswalk identifiers.
type BookBrainz struct {
	host    string
	client  *http.Client
	breaker *breakerTransport
}

var (
	_ provider.Provider          = (*BookBrainz)(nil)
	_ provider.MetadataFetcher   = (*BookBrainz)(nil)
	_ provider.SubjectFetcher    = (*BookBrainz)(nil)
	_ provider.ExternalIDFetcher = (*BookBrainz)(nil)
)

// NewBookBrainz creates the work-graph adapter.
func NewBookBrainz(host string) *BookBrainz {
	client, breaker := newClient(clientConfig{
		host:    host,
		rps:     rate.Limit(2),
		breaker: true,
	})
	return &BookBrainz{host: host, client: client, breaker: breaker}
}

// Name implements provider.Provider.
func (b *BookBrainz) Name() string { return "bookbrainz" }

// Tier implements provider.Provider.
func (b *BookBrainz) Tier() provider.Tier { return provider.TierFree }

// Capabilities implements provider.Provider.
func (b *BookBrainz) Capabilities() []provider.Capability {
	return []provider.Capability{
		provider.CapMetadata,
		provider.CapSubjects,
		provider.CapExternalIDs,
	}
}

// IsAvailable implements provider.Provider.
func (b *BookBrainz) IsAvailable(ctx context.Context) (bool, error) {
	if b.host == "" {
		return false, nil
	}
	return b.breaker == nil || !b.breaker.open(), nil
}

type bookBrainzWork struct {
	BBID        string   `json:"bbid"`
	Name        string   `json:"name"`
	Disambig    string   `json:"disambiguation"`
	Languages   []string `json:"languages"`
	Tags        []string `json:"tags"`
	AuthorNames []string `json:"author_names"`
	Identifiers []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"identifiers"`
}

func (b *BookBrainz) lookup(ctx context.Context, isbn13 string) (*bookBrainzWork, error) {
	var out struct {
		Works []bookBrainzWork `json:"works"`
	}
	ok, err := b.getJSON(ctx, "/search/work?isbn="+url.QueryEscape(isbn13), &out)
	if err != nil || !ok {
		return nil, err
	}
	if len(out.Works) == 0 {
		return nil, nil
	}
	return &out.Works[0], nil
}

// FetchMetadata returns the work-level view: title, language, subjects,
// authors. Edition detail (publisher, pages) comes from elsewhere.
func (b *BookBrainz) FetchMetadata(ctx context.Context, isbn13 string) (*provider.Metadata, error) {
	w, err := b.lookup(ctx, isbn13)
	if err != nil || w == nil {
		return nil, err
	}
	md := &provider.Metadata{
		ISBN:         isbn13,
		Title:        strings.TrimSpace(w.Name),
		Subjects:     w.Tags,
		Authors:      w.AuthorNames,
		ExternalIDs:  map[string]string{"bookbrainz": w.BBID},
		QualityScore: 60,
		Source:       b.Name(),
	}
	if len(w.Languages) > 0 {
		md.Language = w.Languages[0]
	}
	for _, id := range w.Identifiers {
		md.ExternalIDs[strings.ToLower(id.Type)] = id.Value
	}
	return md, nil
}

// FetchSubjects returns the work's tag set.
func (b *BookBrainz) FetchSubjects(ctx context.Context, isbn13 string) ([]string, error) {
	w, err := b.lookup(ctx, isbn13)
	if err != nil || w == nil {
		return nil, err
	}
	return w.Tags, nil
}

// FetchEnhancedExternalIDs returns the crosswalk identifiers attached to the
// work node.
func (b *BookBrainz) FetchEnhancedExternalIDs(ctx context.Context, isbn13 string) ([]provider.ExternalID, error) {
	w, err := b.lookup(ctx, isbn13)
	if err != nil || w == nil {
		return nil, err
	}
	ids := []provider.ExternalID{{
		Type:       "bookbrainz",
		Value:      w.BBID,
		Confidence: 80,
		Sources:    []string{b.Name()},
	}}
	for _, id := range w.Identifiers {
		ids = append(ids, provider.ExternalID{
			Type:       strings.ToLower(id.Type),
			Value:      id.Value,
			Confidence: 70,
			Sources:    []string{b.Name()},
		})
	}
	return ids, nil
}

func (b *BookBrainz) getJSON(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	resp, err := b.client.Do(req)
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
