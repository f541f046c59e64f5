package orchestrate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookforge/bookforge/internal/provider"
)

func idProvider(name string, tier provider.Tier, ids []provider.ExternalID) *fake {
	return &fake{
		name: name, tier: tier,
		caps: []provider.Capability{provider.CapExternalIDs},
		idsFn: func(context.Context, string) ([]provider.ExternalID, error) {
			return ids, nil
		},
	}
}

func TestExternalIDsAgreementPoolsSources(t *testing.T) {
	t.Parallel()

	a := idProvider("a", provider.TierPaid, []provider.ExternalID{
		{Type: "openlibrary", Value: "OL123M", Confidence: 90},
	})
	b := idProvider("b", provider.TierFree, []provider.ExternalID{
		{Type: "openlibrary", Value: "OL123M", Confidence: 70},
	})

	o := New(provider.NewRegistry(a, b), nil, Config{})
	res := o.ExternalIDs(context.Background(), "9780618002214")

	require.Len(t, res.IDs, 1)
	id := res.IDs[0]
	assert.Equal(t, "OL123M", id.Value)
	assert.Equal(t, []string{"a", "b"}, id.Sources)
	assert.Equal(t, 80, id.Confidence, "mean of 90 and 70")
}

func TestExternalIDsConflictPrefersConfidence(t *testing.T) {
	t.Parallel()

	// The lower-tier provider declares higher confidence and wins the value.
	a := idProvider("a", provider.TierPaid, []provider.ExternalID{
		{Type: "wikidata", Value: "Q111", Confidence: 60},
	})
	b := idProvider("b", provider.TierFree, []provider.ExternalID{
		{Type: "wikidata", Value: "Q222", Confidence: 85},
	})

	o := New(provider.NewRegistry(a, b), nil, Config{})
	res := o.ExternalIDs(context.Background(), "9780618002214")

	require.Len(t, res.IDs, 1)
	assert.Equal(t, "Q222", res.IDs[0].Value)
	assert.Equal(t, []string{"b"}, res.IDs[0].Sources)
}

func TestExternalIDsConflictTieKeepsPriority(t *testing.T) {
	t.Parallel()

	a := idProvider("a", provider.TierPaid, []provider.ExternalID{
		{Type: "wikidata", Value: "Q111", Confidence: 80},
	})
	b := idProvider("b", provider.TierFree, []provider.ExternalID{
		{Type: "wikidata", Value: "Q222", Confidence: 80},
	})

	o := New(provider.NewRegistry(a, b), nil, Config{})
	res := o.ExternalIDs(context.Background(), "9780618002214")

	require.Len(t, res.IDs, 1)
	assert.Equal(t, "Q111", res.IDs[0].Value, "equal confidence keeps the higher-priority provider")
}

func TestExternalIDsDistinctTypes(t *testing.T) {
	t.Parallel()

	a := idProvider("a", provider.TierFree, []provider.ExternalID{
		{Type: "goodreads", Value: "123", Confidence: 75},
		{Type: "librarything", Value: "456", Confidence: 75},
	})

	o := New(provider.NewRegistry(a), nil, Config{})
	res := o.ExternalIDs(context.Background(), "9780618002214")

	require.Len(t, res.IDs, 2)
	assert.Equal(t, "goodreads", res.IDs[0].Type)
	assert.Equal(t, "librarything", res.IDs[1].Type)
}

// batchIDProvider exposes the batch crosswalk endpoint; its per-ISBN path
// errors so a misrouted call shows up as a failed attempt.
type batchIDProvider struct {
	*fake
	mu      sync.Mutex
	batches [][]string
	ids     map[string][]provider.ExternalID
}

func (b *batchIDProvider) FetchEnhancedExternalIDsBatch(_ context.Context, isbns []string) (map[string][]provider.ExternalID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, append([]string(nil), isbns...))
	out := map[string][]provider.ExternalID{}
	for _, isbn := range isbns {
		if ids, ok := b.ids[isbn]; ok {
			out[isbn] = ids
		}
	}
	return out, nil
}

func TestExternalIDsBatchPrefersBatchEndpoint(t *testing.T) {
	t.Parallel()

	isbnA, isbnB := "9780618002214", "9780385544153"

	batch := &batchIDProvider{
		fake: &fake{
			name: "pagedex", tier: provider.TierPaid,
			caps: []provider.Capability{provider.CapExternalIDs},
			idsFn: func(context.Context, string) ([]provider.ExternalID, error) {
				return nil, errors.New("batch providers must not be looped per-ISBN")
			},
		},
		ids: map[string][]provider.ExternalID{
			isbnA: {{Type: "goodreads", Value: "123", Confidence: 90}},
		},
	}

	var mu sync.Mutex
	var asked []string
	single := &fake{
		name: "openlib", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapExternalIDs},
		idsFn: func(_ context.Context, isbn string) ([]provider.ExternalID, error) {
			mu.Lock()
			defer mu.Unlock()
			asked = append(asked, isbn)
			return []provider.ExternalID{{Type: "openlibrary", Value: "OL-" + isbn, Confidence: 70}}, nil
		},
	}

	o := New(provider.NewRegistry(batch, single), nil, Config{})
	res := o.ExternalIDsBatch(context.Background(), []string{isbnA, isbnB})

	require.Len(t, batch.batches, 1, "the whole set is one upstream call")
	assert.Equal(t, []string{isbnA, isbnB}, batch.batches[0])
	assert.ElementsMatch(t, []string{isbnA, isbnB}, asked, "non-batch providers loop per-ISBN")

	require.Len(t, res[isbnA].IDs, 2)
	require.Len(t, res[isbnB].IDs, 1)
	assert.Equal(t, "openlibrary", res[isbnB].IDs[0].Type)

	for _, att := range res[isbnA].Attempts {
		assert.NoError(t, att.Err, "provider %s", att.Provider)
	}
}
