// Package covers downloads cover images, resizes them to the standard
// bounds, re-encodes them to WebP and uploads them to blob storage under
// deterministic keys.
package covers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	// Source formats accepted by the pipeline.
	_ "image/jpeg"
	_ "image/png"

	"github.com/HugoSmits86/nativewebp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/image/draw"

	"github.com/bookforge/bookforge/internal/isbn"
	"github.com/bookforge/bookforge/internal/logging"
)

// ErrUnauthorized marks a 401/403 from the image host. Signed URLs expire,
// so the queue consumer treats this as retryable with a freshly minted URL.
var ErrUnauthorized = errors.New("cover url unauthorized")

// Download and encoding bounds.
const (
	_minBytes        = 100
	_maxBytes        = 10 << 20
	_smallImageBytes = 5 << 10 // Below this, re-encoding tends to inflate.
)

// size is one output rendition. Images are fit within the bounds, never
// upscaled.
type size struct {
	name string
	w, h int
}

var _sizes = []size{
	{"large", 512, 768},
	{"medium", 256, 384},
	{"small", 128, 192},
}

// Timings are the per-stage durations of one processing run.
type Timings struct {
	DownloadMS int64 `json:"downloadMs"`
	ProcessMS  int64 `json:"processMs"`
	UploadMS   int64 `json:"uploadMs"`
	TotalMS    int64 `json:"totalMs"`
}

// Result reports a completed processing run.
type Result struct {
	URLs            map[string]string `json:"urls"` // size name → public URL.
	Timings         Timings           `json:"timings"`
	OriginalBytes   int               `json:"originalBytes"`
	CompressedBytes int               `json:"compressedBytes"`
}

// Config bounds the processor. Zero values take the package defaults.
type Config struct {
	// AllowedHosts is the download allow-list. A URL is accepted when its
	// host equals an entry or is a subdomain of one.
	AllowedHosts []string

	MinBytes        int
	MaxBytes        int
	SmallImageBytes int
}

func (c Config) withDefaults() Config {
	if c.MinBytes <= 0 {
		c.MinBytes = _minBytes
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = _maxBytes
	}
	if c.SmallImageBytes <= 0 {
		c.SmallImageBytes = _smallImageBytes
	}
	return c
}

// Processor runs the cover pipeline.
type Processor struct {
	store   Store
	client  *http.Client
	cfg     Config
	metrics *coverMetrics
}

// NewProcessor creates a Processor. A nil client gets a 30s-timeout default;
// a nil registerer disables metrics export but keeps the code path live.
func NewProcessor(store Store, client *http.Client, reg prometheus.Registerer, cfg Config) *Processor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Processor{
		store:   store,
		client:  client,
		cfg:     cfg.withDefaults(),
		metrics: newCoverMetrics(reg),
	}
}

// keyFor is the deterministic blob key for one rendition.
func keyFor(isbn13, sizeName, ext string) string {
	return fmt.Sprintf("isbn/%s/%s%s", isbn13, sizeName, ext)
}

// Existing returns the public URLs of already-processed renditions when all
// three exist, in any stored encoding. Used by the queue consumer to skip
// work.
func (p *Processor) Existing(ctx context.Context, rawISBN string) (map[string]string, bool) {
	isbn13, err := isbn.Normalize(rawISBN)
	if err != nil {
		return nil, false
	}

	urls := make(map[string]string, len(_sizes))
	for _, sz := range _sizes {
		found := false
		for _, ext := range []string{".webp", ".jpg", ".png"} {
			key := keyFor(isbn13, sz.name, ext)
			ok, err := p.store.Exists(ctx, key)
			if err != nil {
				return nil, false
			}
			if ok {
				urls[sz.name] = p.store.PublicURL(key)
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return urls, true
}

// Process downloads, resizes, encodes and uploads one cover.
func (p *Processor) Process(ctx context.Context, rawISBN, providerURL string) (*Result, error) {
	total := time.Now()
	isbn13, err := isbn.Normalize(rawISBN)
	if err != nil {
		return nil, fmt.Errorf("normalizing isbn: %w", err)
	}
	if err := p.checkAllowed(providerURL); err != nil {
		p.metrics.processed.WithLabelValues("rejected").Inc()
		return nil, err
	}

	downloadStart := time.Now()
	raw, err := p.download(ctx, providerURL)
	if err != nil {
		p.metrics.processed.WithLabelValues("download_error").Inc()
		return nil, err
	}
	downloadMS := time.Since(downloadStart).Milliseconds()

	processStart := time.Now()
	renditions, ext, err := p.render(raw)
	if err != nil {
		p.metrics.processed.WithLabelValues("decode_error").Inc()
		return nil, err
	}
	processMS := time.Since(processStart).Milliseconds()

	uploadStart := time.Now()
	result := &Result{
		URLs:          make(map[string]string, len(renditions)),
		OriginalBytes: len(raw),
	}
	contentType := "image/webp"
	if ext != ".webp" {
		contentType = "image/" + strings.TrimPrefix(ext, ".")
		if ext == ".jpg" {
			contentType = "image/jpeg"
		}
	}
	for name, data := range renditions {
		key := keyFor(isbn13, name, ext)
		if err := p.store.Put(ctx, key, contentType, data); err != nil {
			p.metrics.processed.WithLabelValues("upload_error").Inc()
			return nil, fmt.Errorf("uploading %s: %w", key, err)
		}
		result.URLs[name] = p.store.PublicURL(key)
		result.CompressedBytes += len(data)
	}
	uploadMS := time.Since(uploadStart).Milliseconds()

	result.Timings = Timings{
		DownloadMS: downloadMS,
		ProcessMS:  processMS,
		UploadMS:   uploadMS,
		TotalMS:    time.Since(total).Milliseconds(),
	}

	p.metrics.processed.WithLabelValues("success").Inc()
	p.metrics.duration.Observe(float64(result.Timings.TotalMS) / 1000)
	if saved := result.OriginalBytes*len(_sizes) - result.CompressedBytes; saved > 0 {
		p.metrics.bytesSaved.Add(float64(saved))
	}

	logging.Log(ctx).Debug("cover processed",
		"isbn", isbn13, "originalBytes", result.OriginalBytes,
		"compressedBytes", result.CompressedBytes, "totalMs", result.Timings.TotalMS)
	return result, nil
}

// checkAllowed enforces the host allow-list.
func (p *Processor) checkAllowed(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("unparseable cover url %q", raw)
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range p.cfg.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("cover host %q not on allow-list", host)
}

// download fetches the image bytes within the size bounds.
func (p *Processor) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading cover: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("cover download status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(p.cfg.MaxBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("reading cover: %w", err)
	}
	if len(data) <= p.cfg.MinBytes {
		return nil, fmt.Errorf("cover too small: %d bytes", len(data))
	}
	if len(data) >= p.cfg.MaxBytes {
		return nil, fmt.Errorf("cover exceeds %d bytes", p.cfg.MaxBytes)
	}
	return data, nil
}

// render produces the three renditions and the extension they were stored
// with. Small sources skip re-encoding since WebP would inflate them.
func (p *Processor) render(raw []byte) (map[string][]byte, string, error) {
	contentType := http.DetectContentType(raw)
	var ext string
	switch contentType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png":
		ext = ".png"
	default:
		return nil, "", fmt.Errorf("unsupported cover format %q", contentType)
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("decoding cover: %w", err)
	}

	// Tiny sources keep their original bytes at every size.
	if len(raw) < p.cfg.SmallImageBytes {
		out := make(map[string][]byte, len(_sizes))
		for _, sz := range _sizes {
			out[sz.name] = raw
		}
		return out, ext, nil
	}

	out := make(map[string][]byte, len(_sizes))
	for _, sz := range _sizes {
		resized := fit(src, sz.w, sz.h)
		var buf bytes.Buffer
		if err := nativewebp.Encode(&buf, resized, nil); err != nil {
			return nil, "", fmt.Errorf("encoding %s webp: %w", sz.name, err)
		}
		out[sz.name] = buf.Bytes()
	}
	return out, ".webp", nil
}

// fit scales src down to fit within (w, h), preserving aspect ratio. Images
// already inside the bounds pass through unscaled.
func fit(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw <= w && sh <= h {
		return src
	}

	scale := min(float64(w)/float64(sw), float64(h)/float64(sh))
	dw := max(1, int(float64(sw)*scale))
	dh := max(1, int(float64(sh)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
