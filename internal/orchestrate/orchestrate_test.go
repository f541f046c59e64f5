package orchestrate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookforge/bookforge/internal/provider"
)

// fake is a scriptable provider for orchestrator tests.
type fake struct {
	name      string
	tier      provider.Tier
	caps      []provider.Capability
	down      bool
	resolveFn func(ctx context.Context, title, author string) (*provider.ISBNResolution, error)
	coverFn   func(ctx context.Context, isbn string) (*provider.Cover, error)
	mdFn      func(ctx context.Context, isbn string) (*provider.Metadata, error)
	subjFn    func(ctx context.Context, isbn string) ([]string, error)
	genFn     func(ctx context.Context, prompt string, count int) ([]provider.GeneratedBook, error)
	varFn     func(ctx context.Context, isbn string) ([]provider.EditionVariant, error)
	idsFn     func(ctx context.Context, isbn string) ([]provider.ExternalID, error)
	rateFn    func(ctx context.Context, isbn string) (*provider.Rating, error)
}

func (f *fake) Name() string                        { return f.name }
func (f *fake) Tier() provider.Tier                 { return f.tier }
func (f *fake) Capabilities() []provider.Capability { return f.caps }
func (f *fake) IsAvailable(context.Context) (bool, error) {
	return !f.down, nil
}

func (f *fake) ResolveISBN(ctx context.Context, title, author string) (*provider.ISBNResolution, error) {
	return f.resolveFn(ctx, title, author)
}
func (f *fake) FetchCover(ctx context.Context, isbn string) (*provider.Cover, error) {
	return f.coverFn(ctx, isbn)
}
func (f *fake) FetchMetadata(ctx context.Context, isbn string) (*provider.Metadata, error) {
	return f.mdFn(ctx, isbn)
}
func (f *fake) FetchSubjects(ctx context.Context, isbn string) ([]string, error) {
	return f.subjFn(ctx, isbn)
}
func (f *fake) GenerateBooks(ctx context.Context, prompt string, count int) ([]provider.GeneratedBook, error) {
	return f.genFn(ctx, prompt, count)
}
func (f *fake) FetchEditionVariants(ctx context.Context, isbn string) ([]provider.EditionVariant, error) {
	return f.varFn(ctx, isbn)
}
func (f *fake) FetchEnhancedExternalIDs(ctx context.Context, isbn string) ([]provider.ExternalID, error) {
	return f.idsFn(ctx, isbn)
}
func (f *fake) FetchRatings(ctx context.Context, isbn string) (*provider.Rating, error) {
	return f.rateFn(ctx, isbn)
}

// chainLog captures emitted chain records.
type chainLog struct {
	mu      sync.Mutex
	records []ChainRecord
}

func (c *chainLog) RecordChain(_ context.Context, rec ChainRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *chainLog) last(t *testing.T) ChainRecord {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.records)
	return c.records[len(c.records)-1]
}

func TestResolveISBNFallback(t *testing.T) {
	t.Parallel()

	paid := &fake{
		name: "paid", tier: provider.TierPaid,
		caps: []provider.Capability{provider.CapISBNResolution},
		resolveFn: func(context.Context, string, string) (*provider.ISBNResolution, error) {
			return nil, errors.New("upstream status 503")
		},
	}
	free := &fake{
		name: "free-A", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapISBNResolution},
		resolveFn: func(context.Context, string, string) (*provider.ISBNResolution, error) {
			return &provider.ISBNResolution{ISBN: "9780385544153", Confidence: 85, Source: "free-A"}, nil
		},
	}

	log := &chainLog{}
	o := New(provider.NewRegistry(paid, free), log, Config{})

	res := o.ResolveISBN(context.Background(), "The Splendid and the Vile", "Erik Larson")
	assert.Equal(t, "9780385544153", res.ISBN)
	assert.Equal(t, 85, res.Confidence)
	assert.Equal(t, "free-A", res.Source)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, "paid", res.Attempts[0].Provider)
	assert.Error(t, res.Attempts[0].Err)
	assert.True(t, res.Attempts[1].ok())

	rec := log.last(t)
	assert.Equal(t, "free-A", rec.Winner)
	assert.True(t, rec.Success)
	assert.Len(t, rec.Attempts, 2)
}

func TestResolveISBNNoMatchVsAllFailed(t *testing.T) {
	t.Parallel()

	miss := &fake{
		name: "free-A", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapISBNResolution},
		resolveFn: func(context.Context, string, string) (*provider.ISBNResolution, error) {
			return nil, nil
		},
	}
	o := New(provider.NewRegistry(miss), nil, Config{})
	res := o.ResolveISBN(context.Background(), "Unknown", "")
	assert.Empty(t, res.ISBN)
	assert.Equal(t, SourceNone, res.Source)

	broken := &fake{
		name: "free-B", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapISBNResolution},
		resolveFn: func(context.Context, string, string) (*provider.ISBNResolution, error) {
			return nil, errors.New("boom")
		},
	}
	o = New(provider.NewRegistry(broken), nil, Config{})
	res = o.ResolveISBN(context.Background(), "Unknown", "")
	assert.Equal(t, SourceAllFailed, res.Source)
}

func TestFetchCoverTimeoutFallback(t *testing.T) {
	t.Parallel()

	slow := &fake{
		name: "slow-cover", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapCoverImages},
		coverFn: func(ctx context.Context, _ string) (*provider.Cover, error) {
			select {
			case <-time.After(15 * time.Second):
				return &provider.Cover{URL: "https://slow.test/late.jpg"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	quick := &fake{
		name: "free-cover", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapCoverImages},
		coverFn: func(context.Context, string) (*provider.Cover, error) {
			return &provider.Cover{URL: "https://covers.test/b/isbn/9780385544153-L.jpg", Source: "free-cover"}, nil
		},
	}

	o := New(provider.NewRegistry(slow, quick), nil, Config{ProviderTimeout: time.Second})

	start := time.Now()
	res := o.FetchCover(context.Background(), "9780385544153")
	elapsed := time.Since(start)

	require.NotNil(t, res.Cover)
	assert.Equal(t, "free-cover", res.Cover.Source)
	assert.Less(t, elapsed, 5*time.Second)

	require.Len(t, res.Attempts, 2)
	assert.True(t, res.Attempts[0].TimedOut)
	assert.EqualError(t, res.Attempts[0].Err, "provider timeout (request cancelled)")
}

func TestFetchCoverDemotesPaid(t *testing.T) {
	t.Parallel()

	var paidCalled bool
	paid := &fake{
		name: "paid", tier: provider.TierPaid,
		caps: []provider.Capability{provider.CapCoverImages},
		coverFn: func(context.Context, string) (*provider.Cover, error) {
			paidCalled = true
			return &provider.Cover{URL: "https://paid.test/cover.jpg", Source: "paid"}, nil
		},
	}
	free := &fake{
		name: "free", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapCoverImages},
		coverFn: func(context.Context, string) (*provider.Cover, error) {
			return &provider.Cover{URL: "https://free.test/cover.jpg", Source: "free"}, nil
		},
	}

	o := New(provider.NewRegistry(paid, free), nil, Config{})
	res := o.FetchCover(context.Background(), "9780385544153")

	require.NotNil(t, res.Cover)
	assert.Equal(t, "free", res.Cover.Source)
	assert.False(t, paidCalled, "free hit should spare paid quota entirely")
}

func TestEnrichMetadataParallelMerge(t *testing.T) {
	t.Parallel()

	shortDesc := "A short account of the Blitz year."
	longDesc := strings.Repeat("Much more detail about Churchill and London in 1940. ", 5)

	p1 := &fake{
		name: "p1", tier: provider.TierPaid,
		caps: []provider.Capability{provider.CapMetadata},
		mdFn: func(_ context.Context, isbn string) (*provider.Metadata, error) {
			return &provider.Metadata{
				ISBN: isbn, Title: "The Splendid and the Vile",
				Description: shortDesc,
				Subjects:    []string{"World War II", "History"},
			}, nil
		},
	}
	p2 := &fake{
		name: "p2", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapMetadata},
		mdFn: func(_ context.Context, isbn string) (*provider.Metadata, error) {
			return &provider.Metadata{
				ISBN: isbn, Title: "The Splendid and the Vile",
				Description: longDesc,
				Subjects:    []string{"Biography", "Churchill"},
			}, nil
		},
	}
	s1 := &fake{
		name: "s1", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapSubjects},
		subjFn: func(context.Context, string) ([]string, error) {
			return []string{"world war ii", "London", "Blitz"}, nil
		},
	}

	o := New(provider.NewRegistry(p1, p2, s1), nil, Config{})
	res := o.EnrichMetadata(context.Background(), "9780385544153")

	require.NotNil(t, res.Metadata)
	assert.Equal(t, longDesc, res.Metadata.Description, "longest description wins")
	assert.Equal(t,
		[]string{"World War II", "History", "Biography", "Churchill", "London", "Blitz"},
		res.Metadata.Subjects, "case-insensitive union keeps first-seen casing")

	assert.ElementsMatch(t, []string{"p1", "p2"}, res.MetadataProviders)
	assert.Equal(t, []string{"s1"}, res.SubjectProviders)
	assert.Empty(t, res.Errors)
}

func TestEnrichMetadataPartialFailure(t *testing.T) {
	t.Parallel()

	good := &fake{
		name: "good", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapMetadata},
		mdFn: func(_ context.Context, isbn string) (*provider.Metadata, error) {
			return &provider.Metadata{ISBN: isbn, Title: "Found"}, nil
		},
	}
	bad := &fake{
		name: "bad", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapMetadata},
		mdFn: func(context.Context, string) (*provider.Metadata, error) {
			return nil, errors.New("upstream status 500")
		},
	}

	o := New(provider.NewRegistry(good, bad), nil, Config{})
	res := o.EnrichMetadata(context.Background(), "9780385544153")

	require.NotNil(t, res.Metadata, "one provider failing must not fail the call")
	assert.Equal(t, "Found", res.Metadata.Title)
	assert.Equal(t, []string{"good"}, res.MetadataProviders)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "bad:")
}

func TestSubjectProviderCap(t *testing.T) {
	t.Parallel()

	subjFn := func(context.Context, string) ([]string, error) { return []string{"x"}, nil }
	providers := []provider.Provider{}
	for _, name := range []string{"s1", "s2", "s3", "s4", "s5"} {
		providers = append(providers, &fake{
			name: name, tier: provider.TierFree,
			caps:   []provider.Capability{provider.CapSubjects},
			subjFn: subjFn,
		})
	}

	o := New(provider.NewRegistry(providers...), nil, Config{})
	res := o.EnrichMetadata(context.Background(), "9780385544153")
	assert.Len(t, res.SubjectProviders, 3, "subject fan-out is capped at the default of 3")
}

func TestGenerateBooksDedup(t *testing.T) {
	t.Parallel()

	book := provider.GeneratedBook{Title: "The Midnight Library", Author: "Matt Haig", Confidence: 85}
	gemini := &fake{
		name: "gemini", tier: provider.TierAI,
		caps: []provider.Capability{provider.CapBookGeneration},
		genFn: func(context.Context, string, int) ([]provider.GeneratedBook, error) {
			b := book
			b.Source = "gemini"
			return []provider.GeneratedBook{b}, nil
		},
	}
	xai := &fake{
		name: "xai", tier: provider.TierAI,
		caps: []provider.Capability{provider.CapBookGeneration},
		genFn: func(context.Context, string, int) ([]provider.GeneratedBook, error) {
			b := book
			b.Source = "xai"
			return []provider.GeneratedBook{b}, nil
		},
	}

	o := New(provider.NewRegistry(gemini, xai), nil, Config{})
	res := o.GenerateBooks(context.Background(), "uplifting fiction", 5)

	require.Len(t, res.Books, 1)
	assert.Equal(t, "The Midnight Library", res.Books[0].Title)
	assert.Equal(t, 1, res.DuplicatesRemoved)
	assert.ElementsMatch(t, []string{"gemini", "xai"}, res.Providers)
}

func TestGenerateBooksIsolatesFailures(t *testing.T) {
	t.Parallel()

	broken := &fake{
		name: "broken", tier: provider.TierAI,
		caps: []provider.Capability{provider.CapBookGeneration},
		genFn: func(context.Context, string, int) ([]provider.GeneratedBook, error) {
			return nil, errors.New("model overloaded")
		},
	}
	working := &fake{
		name: "working", tier: provider.TierAI,
		caps: []provider.Capability{provider.CapBookGeneration},
		genFn: func(context.Context, string, int) ([]provider.GeneratedBook, error) {
			return []provider.GeneratedBook{{Title: "Piranesi", Author: "Susanna Clarke", Confidence: 80, Source: "working"}}, nil
		},
	}

	o := New(provider.NewRegistry(broken, working), nil, Config{})
	res := o.GenerateBooks(context.Background(), "fantasy", 3)

	require.Len(t, res.Books, 1)
	assert.Equal(t, "Piranesi", res.Books[0].Title)
}

func TestGenerateBooksSequentialStopsEarly(t *testing.T) {
	t.Parallel()

	var secondCalled bool
	first := &fake{
		name: "first", tier: provider.TierAI,
		caps: []provider.Capability{provider.CapBookGeneration},
		genFn: func(context.Context, string, int) ([]provider.GeneratedBook, error) {
			return []provider.GeneratedBook{{Title: "Dune", Author: "Frank Herbert", Confidence: 90}}, nil
		},
	}
	second := &fake{
		name: "second", tier: provider.TierAI,
		caps: []provider.Capability{provider.CapBookGeneration},
		genFn: func(context.Context, string, int) ([]provider.GeneratedBook, error) {
			secondCalled = true
			return nil, nil
		},
	}

	o := New(provider.NewRegistry(first, second), nil, Config{SequentialGeneration: true})
	res := o.GenerateBooks(context.Background(), "sci-fi", 3)

	require.Len(t, res.Books, 1)
	assert.False(t, secondCalled)
}

func TestEditionVariantsDedup(t *testing.T) {
	t.Parallel()

	a := &fake{
		name: "a", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapEditionVariants},
		varFn: func(context.Context, string) ([]provider.EditionVariant, error) {
			return []provider.EditionVariant{
				{ISBN: "9780261103344", Format: "Hardcover", Source: "a"},
				{ISBN: "9780618002214", Format: "Paperback", Source: "a"},
			}, nil
		},
	}
	b := &fake{
		name: "b", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapEditionVariants},
		varFn: func(context.Context, string) ([]provider.EditionVariant, error) {
			return []provider.EditionVariant{
				{ISBN: "9780261103344", Format: "Hardback", Source: "b"},
			}, nil
		},
	}

	o := New(provider.NewRegistry(a, b), nil, Config{})
	res := o.EditionVariants(context.Background(), "9780395873465")

	require.Len(t, res.Variants, 2)
	hard := res.Variants[0]
	assert.Equal(t, "9780261103344", hard.ISBN)
	assert.Equal(t, "Hardcover", hard.Format, "higher-priority provider's record wins")
	assert.Equal(t, []string{"a", "b"}, hard.Sources)
}

func TestFetchRatingModes(t *testing.T) {
	t.Parallel()

	low := &fake{
		name: "low", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapRatings},
		rateFn: func(context.Context, string) (*provider.Rating, error) {
			return &provider.Rating{Average: 3.9, Count: 10, Confidence: 55, Source: "low"}, nil
		},
	}
	high := &fake{
		name: "high", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapRatings},
		rateFn: func(context.Context, string) (*provider.Rating, error) {
			return &provider.Rating{Average: 4.2, Count: 300, Confidence: 70, Source: "high"}, nil
		},
	}

	fallback := New(provider.NewRegistry(low, high), nil, Config{})
	res := fallback.FetchRating(context.Background(), "9780618002214")
	require.NotNil(t, res.Rating)
	assert.Equal(t, "low", res.Rating.Source, "fallback keeps the first hit")
	assert.Len(t, res.Attempts, 1)

	aggregate := New(provider.NewRegistry(low, high), nil, Config{AggregateRatings: true})
	res = aggregate.FetchRating(context.Background(), "9780618002214")
	require.NotNil(t, res.Rating)
	assert.Equal(t, "high", res.Rating.Source, "aggregate keeps the highest confidence")
	assert.Len(t, res.Attempts, 2)
}

func TestUnavailableProvidersAreSkipped(t *testing.T) {
	t.Parallel()

	down := &fake{
		name: "down", tier: provider.TierPaid, down: true,
		caps: []provider.Capability{provider.CapISBNResolution},
		resolveFn: func(context.Context, string, string) (*provider.ISBNResolution, error) {
			t.Error("unavailable provider must not be called")
			return nil, nil
		},
	}
	up := &fake{
		name: "up", tier: provider.TierFree,
		caps: []provider.Capability{provider.CapISBNResolution},
		resolveFn: func(context.Context, string, string) (*provider.ISBNResolution, error) {
			return &provider.ISBNResolution{ISBN: "9780618002214", Confidence: 70}, nil
		},
	}

	o := New(provider.NewRegistry(down, up), nil, Config{})
	res := o.ResolveISBN(context.Background(), "The Hobbit", "Tolkien")
	assert.Equal(t, "up", res.Source)
	assert.Len(t, res.Attempts, 1)
}

func TestExplicitPriorityOrder(t *testing.T) {
	t.Parallel()

	var order []string
	var mu sync.Mutex
	mk := func(name string, tier provider.Tier) *fake {
		return &fake{
			name: name, tier: tier,
			caps: []provider.Capability{provider.CapISBNResolution},
			resolveFn: func(context.Context, string, string) (*provider.ISBNResolution, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil, nil
			},
		}
	}

	o := New(provider.NewRegistry(mk("a", provider.TierPaid), mk("b", provider.TierFree), mk("c", provider.TierAI)),
		nil, Config{Priority: []string{"c", "b"}})
	_ = o.ResolveISBN(context.Background(), "x", "")

	assert.Equal(t, []string{"c", "b", "a"}, order)
}
