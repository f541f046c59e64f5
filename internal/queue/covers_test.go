package queue

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookforge/bookforge/internal/analytics"
	"github.com/bookforge/bookforge/internal/covers"
	"github.com/bookforge/bookforge/internal/persist"
	"github.com/bookforge/bookforge/internal/provider"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func imageResponse(code int, body []byte) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     http.Header{},
	}
}

// testPNG renders a patterned image so the encoded size lands above the
// too-small floor.
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := range 32 {
		for x := range 32 {
			img.Set(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 8), B: uint8(x ^ y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.Greater(t, buf.Len(), 100)
	return buf.Bytes()
}

func coverProcessor(store covers.Store, rt roundTripFunc) *covers.Processor {
	client := &http.Client{Transport: rt}
	return covers.NewProcessor(store, client, nil, covers.Config{
		AllowedHosts: []string{"covers.test"},
	})
}

func coverMessage(t *testing.T, job CoverJob) Message {
	t.Helper()
	body, err := sonic.Marshal(job)
	require.NoError(t, err)
	return Message{ID: "1-1", Body: body}
}

func TestCoverHandlerSkipsProcessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := covers.NewMemStore()
	for _, name := range []string{"large", "medium", "small"} {
		require.NoError(t, store.Put(ctx, "isbn/9780385544153/"+name+".webp", "image/webp", []byte("x")))
	}

	var calls atomic.Int64
	proc := coverProcessor(store, func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return imageResponse(http.StatusOK, nil), nil
	})
	h := NewCoverHandler(proc, nil, nil, nil, analytics.New(nil, nil))

	// ISBN-10 on the wire still hits the ISBN-13 keys.
	outcomes := h.HandleBatch(ctx, []Message{coverMessage(t, CoverJob{ISBN: "0385544154", Source: "api"})})
	require.Equal(t, []Outcome{Ack}, outcomes)
	assert.Zero(t, calls.Load(), "cached covers must not be re-downloaded")
}

func TestCoverHandlerProcessesAndRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := covers.NewMemStore()
	body := testPNG(t)
	proc := coverProcessor(store, func(*http.Request) (*http.Response, error) {
		return imageResponse(http.StatusOK, body), nil
	})

	db := &coverDB{}
	h := NewCoverHandler(proc, persist.New(db, nil), nil, nil, analytics.New(nil, nil))

	job := CoverJob{ISBN: "9780385544153", ProviderURL: "https://covers.test/w.png", Source: "enrichment"}
	outcomes := h.HandleBatch(ctx, []Message{coverMessage(t, job)})
	require.Equal(t, []Outcome{Ack}, outcomes)

	// Small sources keep their original bytes and extension.
	data, contentType, ok := store.Get("isbn/9780385544153/large.png")
	require.True(t, ok)
	assert.Equal(t, body, data)
	assert.Equal(t, "image/png", contentType)

	assert.True(t, db.sawCoverUpdate(), "processed URLs must land on the edition row")
}

func TestCoverHandlerRefreshesExpiredURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := covers.NewMemStore()
	body := testPNG(t)
	proc := coverProcessor(store, func(r *http.Request) (*http.Response, error) {
		if strings.Contains(r.URL.Path, "stale") {
			return imageResponse(http.StatusForbidden, nil), nil
		}
		return imageResponse(http.StatusOK, body), nil
	})

	refresher := &fakeRefresher{owned: "covers.test", fresh: "https://covers.test/fresh.png"}
	h := NewCoverHandler(proc, nil, nil, []provider.CoverURLRefresher{refresher}, analytics.New(nil, nil))

	job := CoverJob{ISBN: "9780385544153", ProviderURL: "https://covers.test/stale.png", Source: "api"}
	outcomes := h.HandleBatch(ctx, []Message{coverMessage(t, job)})
	require.Equal(t, []Outcome{Ack}, outcomes)
	assert.Equal(t, 1, refresher.calls, "expired URLs are re-minted exactly once")

	_, _, ok := store.Get("isbn/9780385544153/large.png")
	assert.True(t, ok)
}

func TestCoverHandlerRetriesWithoutRefresher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	proc := coverProcessor(covers.NewMemStore(), func(*http.Request) (*http.Response, error) {
		return imageResponse(http.StatusForbidden, nil), nil
	})
	h := NewCoverHandler(proc, nil, nil, nil, analytics.New(nil, nil))

	job := CoverJob{ISBN: "9780385544153", ProviderURL: "https://covers.test/x.png", Source: "api"}
	outcomes := h.HandleBatch(ctx, []Message{coverMessage(t, job)})
	assert.Equal(t, []Outcome{Retry}, outcomes)
}

func TestCoverHandlerAcksMalformedAndNoCover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	proc := coverProcessor(covers.NewMemStore(), func(*http.Request) (*http.Response, error) {
		return imageResponse(http.StatusOK, nil), nil
	})
	h := NewCoverHandler(proc, nil, nil, nil, analytics.New(nil, nil))

	outcomes := h.HandleBatch(ctx, []Message{
		{ID: "1-1", Body: []byte("not json")},
		coverMessage(t, CoverJob{ISBN: "9780618002214", Source: "api"}), // No URL and no orchestrator.
	})
	assert.Equal(t, []Outcome{Ack, Ack}, outcomes)
}

// coverDB records cover-update statements; everything else on persist.DB is
// unused by UpdateEditionCovers.
type coverDB struct {
	persist.DB
	mu    sync.Mutex
	execs []string
}

func (d *coverDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (d *coverDB) sawCoverUpdate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sql := range d.execs {
		if strings.Contains(sql, "UPDATE editions SET") {
			return true
		}
	}
	return false
}

type fakeRefresher struct {
	owned string
	fresh string
	calls int
}

func (f *fakeRefresher) OwnsURL(u string) bool { return strings.Contains(u, f.owned) }

func (f *fakeRefresher) RefreshCoverURL(context.Context, string) (string, error) {
	f.calls++
	return f.fresh, nil
}
