package providers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const _olEdition = `{
	"title": "The Hobbit",
	"subtitle": "or There and Back Again",
	"publishers": ["Houghton Mifflin"],
	"publish_date": "1997",
	"number_of_pages": 365,
	"physical_format": "Paperback",
	"covers": [240726],
	"subjects": ["Fantasy", "Middle Earth (Imaginary place)"],
	"languages": [{"key": "/languages/eng"}],
	"works": [{"key": "/works/OL262758W"}],
	"identifiers": {"goodreads": ["1540236"], "librarything": ["3203347"]},
	"isbn_13": ["9780618002214"],
	"isbn_10": ["0395873460"]
}`

func TestOpenLibFetchMetadata(t *testing.T) {
	t.Parallel()

	o := NewOpenLib("openlibrary.test")
	o.client = stubClient(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/isbn/9780618002214.json", r.URL.Path)
		return respond(200, _olEdition), nil
	})

	md, err := o.FetchMetadata(context.Background(), "9780618002214")
	require.NoError(t, err)
	require.NotNil(t, md)

	assert.Equal(t, "The Hobbit", md.Title)
	assert.Equal(t, "or There and Back Again", md.Subtitle)
	assert.Equal(t, "Houghton Mifflin", md.Publisher)
	assert.Equal(t, 365, md.PageCount)
	assert.Equal(t, "eng", md.Language)
	assert.Equal(t, "https://covers.openlibrary.org/b/id/240726-L.jpg", md.CoverURL)
	assert.Equal(t, "OL262758W", md.ExternalIDs["openlibrary_work"])
	assert.Equal(t, "1540236", md.ExternalIDs["goodreads"])
	assert.Equal(t, 70, md.QualityScore)
	// The ISBN-10 twin normalizes to a distinct related ISBN-13.
	assert.Contains(t, md.RelatedISBNs, "9780395873465")
}

func TestOpenLibMiss(t *testing.T) {
	t.Parallel()

	o := NewOpenLib("openlibrary.test")
	o.client = stubClient(func(r *http.Request) (*http.Response, error) {
		return respond(404, "not found"), nil
	})

	md, err := o.FetchMetadata(context.Background(), "9780618002214")
	require.NoError(t, err, "a plain miss is not an error")
	assert.Nil(t, md)
}

func TestOpenLibUpstreamFailure(t *testing.T) {
	t.Parallel()

	o := NewOpenLib("openlibrary.test")
	o.client = stubClient(func(r *http.Request) (*http.Response, error) {
		return respond(503, ""), nil
	})

	_, err := o.FetchMetadata(context.Background(), "9780618002214")
	assert.Error(t, err, "5xx must surface so the orchestrator falls back")
}

func TestOpenLibResolveISBN(t *testing.T) {
	t.Parallel()

	o := NewOpenLib("openlibrary.test")
	o.client = stubClient(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/search.json", r.URL.Path)
		return respond(200, `{"docs": [
			{"title": "The Hobbit", "isbn": ["junk", "9780618002214"], "author_name": ["J.R.R. Tolkien"]}
		]}`), nil
	})

	res, err := o.ResolveISBN(context.Background(), "The Hobbit", "Tolkien")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "9780618002214", res.ISBN, "unparseable ISBNs are skipped")
	assert.Equal(t, 85, res.Confidence)
}

func TestOpenLibEditionVariants(t *testing.T) {
	t.Parallel()

	o := NewOpenLib("openlibrary.test")
	o.client = stubClient(func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case "/isbn/9780618002214.json":
			return respond(200, _olEdition), nil
		case "/works/OL262758W/editions.json":
			return respond(200, `{"entries": [
				{"isbn_13": ["9780618002214"], "physical_format": "Paperback"},
				{"isbn_13": ["9780261103344"], "physical_format": "Hardcover", "publishers": ["HarperCollins"]}
			]}`), nil
		default:
			return respond(404, ""), nil
		}
	})

	variants, err := o.FetchEditionVariants(context.Background(), "9780618002214")
	require.NoError(t, err)

	// The edition we started from is excluded.
	require.Len(t, variants, 1)
	assert.Equal(t, "9780261103344", variants[0].ISBN)
	assert.Equal(t, "Hardcover", variants[0].Format)
	assert.Equal(t, "HarperCollins", variants[0].Publisher)
}

func TestOpenLibRatings(t *testing.T) {
	t.Parallel()

	o := NewOpenLib("openlibrary.test")
	o.client = stubClient(func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case "/isbn/9780618002214.json":
			return respond(200, _olEdition), nil
		case "/works/OL262758W/ratings.json":
			return respond(200, `{"summary": {"average": 4.27, "count": 312}}`), nil
		default:
			return respond(404, ""), nil
		}
	})

	rating, err := o.FetchRatings(context.Background(), "9780618002214")
	require.NoError(t, err)
	require.NotNil(t, rating)
	assert.InDelta(t, 4.27, rating.Average, 0.001)
	assert.Equal(t, 312, rating.Count)
}
