// Package provider defines the capability surface that metadata providers
// implement and the registry that indexes them.
//
// A provider is a value implementing one or more typed capability
// interfaces. Orchestrators never know concrete adapter types; they discover
// providers by capability and down-cast to the capability interface they
// need.
package provider

import "context"

// Tier orders providers by cost. Paid providers are preferred when quota
// permits, then free, then AI.
type Tier string

// Provider cost tiers.
const (
	TierPaid Tier = "paid"
	TierFree Tier = "free"
	TierAI   Tier = "ai"
)

// rank returns the ordering weight for a tier (lower runs first).
func (t Tier) rank() int {
	switch t {
	case TierPaid:
		return 0
	case TierFree:
		return 1
	case TierAI:
		return 2
	default:
		return 3
	}
}

// Capability names an operation a provider may implement. The set is closed;
// orchestrators dispatch on these.
type Capability string

// The closed capability set.
const (
	CapISBNResolution  Capability = "isbn_resolution"
	CapCoverImages     Capability = "cover_images"
	CapMetadata        Capability = "metadata_enrichment"
	CapSubjects        Capability = "subject_enrichment"
	CapBookGeneration  Capability = "book_generation"
	CapEditionVariants Capability = "edition_variants"
	CapExternalIDs     Capability = "enhanced_external_ids"
	CapRatings         Capability = "ratings"
)

// Provider is the minimal surface every adapter exposes. Capability methods
// live on separate interfaces so adapters only implement what they support.
type Provider interface {
	Name() string
	Tier() Tier
	Capabilities() []Capability

	// IsAvailable reports whether the provider can currently serve calls
	// (keys configured, quota remaining, upstream reachable). Errors are
	// availability demotions, never orchestration failures.
	IsAvailable(ctx context.Context) (bool, error)
}

// ISBNResolution is the result of resolving a title/author pair to an ISBN.
type ISBNResolution struct {
	ISBN       string `json:"isbn"`
	Confidence int    `json:"confidence"` // 0-100.
	Source     string `json:"source"`
}

// ISBNResolver resolves a title/author pair to an ISBN-13. A nil result with
// a nil error means the provider had no match.
type ISBNResolver interface {
	ResolveISBN(ctx context.Context, title, author string) (*ISBNResolution, error)
}

// Cover is a single cover image candidate.
type Cover struct {
	URL    string `json:"url"`
	Source string `json:"source"`
	Size   string `json:"size"` // large|medium|small as reported upstream.
}

// CoverFetcher returns a cover URL for an ISBN, or nil when none is known.
type CoverFetcher interface {
	FetchCover(ctx context.Context, isbn string) (*Cover, error)
}

// CoverURLRefresher mints a fresh cover URL when a previously issued one has
// expired (signed URLs). OwnsURL lets consumers attribute a failing URL back
// to the provider that issued it.
type CoverURLRefresher interface {
	OwnsURL(url string) bool
	RefreshCoverURL(ctx context.Context, isbn string) (string, error)
}

// Metadata is one provider's view of an edition. Zero values mean "unknown";
// the merge layer fills gaps from lower-priority providers.
type Metadata struct {
	ISBN          string            `json:"isbn"`
	Title         string            `json:"title"`
	Subtitle      string            `json:"subtitle,omitempty"`
	Description   string            `json:"description,omitempty"`
	Publisher     string            `json:"publisher,omitempty"`
	PublishDate   string            `json:"publishDate,omitempty"`
	Language      string            `json:"language,omitempty"`
	Binding       string            `json:"binding,omitempty"`
	PageCount     int               `json:"pageCount,omitempty"`
	CoverURL      string            `json:"coverUrl,omitempty"`
	Authors       []string          `json:"authors,omitempty"`
	Subjects      []string          `json:"subjects,omitempty"`
	RelatedISBNs  []string          `json:"relatedIsbns,omitempty"`
	ExternalIDs   map[string]string `json:"externalIds,omitempty"`
	FirstPublish  int               `json:"firstPublish,omitempty"`
	QualityScore  int               `json:"qualityScore,omitempty"`
	Source        string            `json:"source,omitempty"`
}

// MetadataFetcher returns metadata for an ISBN, or nil when unknown.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, isbn string) (*Metadata, error)
}

// BatchMetadataFetcher is implemented by providers with a true batch
// endpoint. Callers prefer it over per-ISBN loops.
type BatchMetadataFetcher interface {
	// FetchMetadataBatch returns results keyed by normalized ISBN. Absent
	// keys mean the provider doesn't know the ISBN.
	FetchMetadataBatch(ctx context.Context, isbns []string) (map[string]*Metadata, error)
}

// SubjectFetcher returns subject tags for an ISBN.
type SubjectFetcher interface {
	FetchSubjects(ctx context.Context, isbn string) ([]string, error)
}

// GeneratedBook is one AI-suggested book.
type GeneratedBook struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	PublishDate string `json:"publishDate,omitempty"`
	Confidence  int    `json:"confidence"`
	Source      string `json:"source"`
}

// BookGenerator produces book suggestions from a natural-language prompt.
type BookGenerator interface {
	GenerateBooks(ctx context.Context, prompt string, count int) ([]GeneratedBook, error)
}

// EditionVariant is an alternate printing of the same work.
type EditionVariant struct {
	ISBN      string   `json:"isbn"`
	Format    string   `json:"format,omitempty"`
	Language  string   `json:"language,omitempty"`
	Publisher string   `json:"publisher,omitempty"`
	Year      int      `json:"year,omitempty"`
	Source    string   `json:"source"`
	Sources   []string `json:"sources,omitempty"`
}

// VariantLister returns zero or more edition variants for an ISBN.
type VariantLister interface {
	FetchEditionVariants(ctx context.Context, isbn string) ([]EditionVariant, error)
}

// ExternalID is one crosswalk assertion: this ISBN is known elsewhere under
// (Type, Value).
type ExternalID struct {
	Type       string   `json:"type"` // e.g. "openlibrary", "wikidata", "goodreads".
	Value      string   `json:"value"`
	Confidence int      `json:"confidence"` // 0-100.
	Sources    []string `json:"sources,omitempty"`
}

// ExternalIDFetcher returns external identifiers for an ISBN.
type ExternalIDFetcher interface {
	FetchEnhancedExternalIDs(ctx context.Context, isbn string) ([]ExternalID, error)
}

// BatchExternalIDFetcher is the batch form, keyed by normalized ISBN.
type BatchExternalIDFetcher interface {
	FetchEnhancedExternalIDsBatch(ctx context.Context, isbns []string) (map[string][]ExternalID, error)
}

// Rating is an aggregate reader rating.
type Rating struct {
	Average    float64 `json:"average"`
	Count      int     `json:"count"`
	Confidence int     `json:"confidence"`
	Source     string  `json:"source"`
}

// RatingsFetcher returns a rating for an ISBN, or nil when unknown.
type RatingsFetcher interface {
	FetchRatings(ctx context.Context, isbn string) (*Rating, error)
}

// BibliographyFetcher pages through an author's catalog. Implemented by the
// paid provider; drives the author-harvest path.
type BibliographyFetcher interface {
	FetchAuthorBibliography(ctx context.Context, author string, maxPages int) ([]Metadata, error)
}

// ReleaseLister returns one page of books published in a given month. more
// reports whether another page exists. Drives the monthly backfill.
type ReleaseLister interface {
	FetchNewReleases(ctx context.Context, year, month, page int) (books []Metadata, more bool, err error)
}

// AuthorFetcher returns biographical detail for an author by name.
type AuthorFetcher interface {
	FetchAuthor(ctx context.Context, name string) (*AuthorDetail, error)
}

// AuthorDetail is one provider's view of an author.
type AuthorDetail struct {
	Name        string            `json:"name"`
	Gender      string            `json:"gender,omitempty"`
	Nationality string            `json:"nationality,omitempty"`
	BirthYear   int               `json:"birthYear,omitempty"`
	DeathYear   int               `json:"deathYear,omitempty"`
	BirthPlace  string            `json:"birthPlace,omitempty"`
	DeathPlace  string            `json:"deathPlace,omitempty"`
	Biography   string            `json:"biography,omitempty"`
	PhotoURL    string            `json:"photoUrl,omitempty"`
	WikidataID  string            `json:"wikidataId,omitempty"`
	ExternalIDs map[string]string `json:"externalIds,omitempty"`
	Source      string            `json:"source,omitempty"`
}
