package covers

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func imageResponse(code int, body []byte) *http.Response {
	return &http.Response{
		StatusCode: code,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// bigJPEG renders a patterned 600x900 JPEG comfortably above the small-image
// threshold.
func bigJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 600, 900))
	for y := 0; y < 900; y++ {
		for x := 0; x < 600; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x % 256),
				G: uint8(y % 256),
				B: uint8((x * y) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.Greater(t, buf.Len(), _smallImageBytes)
	return buf.Bytes()
}

// smallPNG renders a PNG between the minimum download size and the
// small-image threshold.
func smallPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x*37 + y*91) % 256),
				G: uint8((x*53 + y*17) % 256),
				B: uint8((x*11 + y*71) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.Greater(t, buf.Len(), _minBytes)
	require.Less(t, buf.Len(), _smallImageBytes)
	return buf.Bytes()
}

func testProcessor(store Store, body []byte, code int) *Processor {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return imageResponse(code, body), nil
	})}
	return NewProcessor(store, client, nil, Config{
		AllowedHosts: []string{"covers.openlibrary.org", "pagedex.test"},
	})
}

func TestProcessResizesAndEncodes(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	p := testProcessor(store, bigJPEG(t), 200)

	res, err := p.Process(context.Background(), "9780385544153", "https://covers.openlibrary.org/b/id/1-L.jpg")
	require.NoError(t, err)

	require.Len(t, res.URLs, 3)
	for _, name := range []string{"large", "medium", "small"} {
		data, contentType, ok := store.Get("isbn/9780385544153/" + name + ".webp")
		require.True(t, ok, "missing rendition %s", name)
		assert.Equal(t, "image/webp", contentType)
		assert.True(t, bytes.HasPrefix(data, []byte("RIFF")), "WebP container starts with RIFF")
	}
	assert.Positive(t, res.OriginalBytes)
	assert.Positive(t, res.CompressedBytes)
	assert.GreaterOrEqual(t, res.Timings.TotalMS, res.Timings.ProcessMS)
}

func TestProcessSmallImageKeepsOriginal(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	original := smallPNG(t)
	p := testProcessor(store, original, 200)

	res, err := p.Process(context.Background(), "9780385544153", "https://covers.openlibrary.org/b/id/2-S.jpg")
	require.NoError(t, err)
	require.Len(t, res.URLs, 3)

	for _, name := range []string{"large", "medium", "small"} {
		data, contentType, ok := store.Get("isbn/9780385544153/" + name + ".png")
		require.True(t, ok)
		assert.Equal(t, "image/png", contentType)
		assert.Equal(t, original, data, "tiny sources skip re-encoding")
	}
}

func TestProcessNormalizesISBN(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	p := testProcessor(store, bigJPEG(t), 200)

	// ISBN-10 input lands under the ISBN-13 key.
	_, err := p.Process(context.Background(), "0385544154", "https://covers.openlibrary.org/b/id/3-L.jpg")
	require.NoError(t, err)
	_, _, ok := store.Get("isbn/9780385544153/large.webp")
	assert.True(t, ok)
}

func TestProcessAllowList(t *testing.T) {
	t.Parallel()

	p := testProcessor(NewMemStore(), bigJPEG(t), 200)

	_, err := p.Process(context.Background(), "9780385544153", "https://evil.example.com/cover.jpg")
	assert.ErrorContains(t, err, "not on allow-list")

	// Subdomains of allowed hosts pass.
	_, err = p.Process(context.Background(), "9780385544153", "https://cdn.pagedex.test/cover.jpg")
	assert.NoError(t, err)
}

func TestProcessUnauthorizedIsRetryable(t *testing.T) {
	t.Parallel()

	for _, code := range []int{401, 403} {
		p := testProcessor(NewMemStore(), nil, code)
		_, err := p.Process(context.Background(), "9780385544153", "https://pagedex.test/signed.jpg?token=expired")
		assert.ErrorIs(t, err, ErrUnauthorized, "status %d", code)
	}

	// Other failures are not the refresh-and-retry kind.
	p := testProcessor(NewMemStore(), nil, 500)
	_, err := p.Process(context.Background(), "9780385544153", "https://pagedex.test/cover.jpg")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestProcessRejectsUnsupportedFormat(t *testing.T) {
	t.Parallel()

	gif := append([]byte("GIF89a"), make([]byte, 200)...)
	p := testProcessor(NewMemStore(), gif, 200)
	_, err := p.Process(context.Background(), "9780385544153", "https://covers.openlibrary.org/x.gif")
	assert.ErrorContains(t, err, "unsupported cover format")
}

func TestProcessSizeBounds(t *testing.T) {
	t.Parallel()

	p := testProcessor(NewMemStore(), []byte("tiny"), 200)
	_, err := p.Process(context.Background(), "9780385544153", "https://covers.openlibrary.org/x.jpg")
	assert.ErrorContains(t, err, "too small")

	store := NewMemStore()
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return imageResponse(200, bytes.Repeat([]byte("x"), 4096)), nil
	})}
	bounded := NewProcessor(store, client, nil, Config{
		AllowedHosts: []string{"covers.openlibrary.org"},
		MaxBytes:     1024,
	})
	_, err = bounded.Process(context.Background(), "9780385544153", "https://covers.openlibrary.org/x.jpg")
	assert.ErrorContains(t, err, "exceeds")

	// The bound is exclusive: exactly MaxBytes is already too large.
	atLimit := NewProcessor(NewMemStore(), &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return imageResponse(200, bytes.Repeat([]byte("x"), 1024)), nil
	})}, nil, Config{
		AllowedHosts: []string{"covers.openlibrary.org"},
		MaxBytes:     1024,
	})
	_, err = atLimit.Process(context.Background(), "9780385544153", "https://covers.openlibrary.org/x.jpg")
	assert.ErrorContains(t, err, "exceeds")
}

func TestExisting(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	p := NewProcessor(store, nil, nil, Config{AllowedHosts: []string{"covers.openlibrary.org"}})
	ctx := context.Background()

	_, ok := p.Existing(ctx, "9780385544153")
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "isbn/9780385544153/large.webp", "image/webp", []byte("a")))
	require.NoError(t, store.Put(ctx, "isbn/9780385544153/medium.webp", "image/webp", []byte("b")))
	_, ok = p.Existing(ctx, "9780385544153")
	assert.False(t, ok, "two of three renditions is not cached")

	// Mixed encodings still count.
	require.NoError(t, store.Put(ctx, "isbn/9780385544153/small.png", "image/png", []byte("c")))
	urls, ok := p.Existing(ctx, "9780385544153")
	require.True(t, ok)
	assert.Len(t, urls, 3)
	assert.True(t, strings.HasSuffix(urls["small"], "small.png"))

	_, ok = p.Existing(ctx, "garbage")
	assert.False(t, ok)
}

func TestFitNeverUpscales(t *testing.T) {
	t.Parallel()

	small := image.NewRGBA(image.Rect(0, 0, 100, 150))
	assert.Equal(t, small.Bounds(), fit(small, 512, 768).Bounds())

	big := image.NewRGBA(image.Rect(0, 0, 1200, 1200))
	got := fit(big, 512, 768).Bounds()
	assert.Equal(t, 512, got.Dx())
	assert.Equal(t, 512, got.Dy(), "aspect ratio preserved")
}
