// Package providers contains the upstream adapters. Each adapter speaks one
// provider's API and maps it onto the capability interfaces in
// internal/provider; orchestrators never see wire formats.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// _userAgent identifies us to free-tier upstreams, with a contact address as
// requested by their etiquette guidelines.
const _userAgent = "bookforge/1.0 (+https://github.com/bookforge/bookforge; ops@bookforge.dev)"

// Default adapter timeouts. AI generation is allowed much longer.
const (
	_defaultTimeout = 12 * time.Second
	_aiTimeout      = 60 * time.Second
)

// statusErr propagates an upstream HTTP status as an error.
type statusErr int

func (s statusErr) Error() string {
	return fmt.Sprintf("upstream status %d", int(s))
}

// errQuotaExhausted is returned when the paid adapter declines to call
// upstream. Orchestrators treat it as a clean miss so free providers can
// take over.
var errQuotaExhausted = errors.New("paid quota exhausted")

// retryableStatus reports whether an upstream status should be surfaced so
// the orchestrator tries the next provider. Non-retryable 4xx become empty
// results instead.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// throttledTransport rate limits requests and backs off after a 403.
type throttledTransport struct {
	http.RoundTripper
	*rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	// Back off for a minute if we got a 403.
	if resp.StatusCode == http.StatusForbidden {
		orig := t.Limiter.Limit()
		t.Limiter.SetLimit(rate.Every(time.Hour / 60)) // 1RPM
		t.Limiter.SetLimitAt(time.Now().Add(time.Minute), orig)
	}

	return resp, err
}

// scopedTransport restricts requests to a particular host so redirects can't
// send credentials elsewhere.
type scopedTransport struct {
	host string
	http.RoundTripper
}

func (t scopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.host
	return t.RoundTripper.RoundTrip(r)
}

// headerTransport sets a header on all requests. Best used with a
// scopedTransport.
type headerTransport struct {
	key   string
	value string
	http.RoundTripper
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Set(t.key, t.value)
	return t.RoundTripper.RoundTrip(r)
}

// breakerTransport trips after consecutive upstream failures so a dead free
// provider demotes itself out of availability instead of eating timeouts.
type breakerTransport struct {
	breaker *gobreaker.CircuitBreaker
	http.RoundTripper
}

func newBreakerTransport(name string, next http.RoundTripper) *breakerTransport {
	return &breakerTransport{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		RoundTripper: next,
	}
}

func (t *breakerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.breaker.Execute(func() (any, error) {
		resp, err := t.RoundTripper.RoundTrip(r)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			// Count server errors as failures but still hand the response back.
			return resp, statusErr(resp.StatusCode)
		}
		return resp, nil
	})
	if resp != nil {
		return resp.(*http.Response), nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s circuit open: %w", t.breaker.Name(), err)
	}
	return nil, err
}

// open reports whether the breaker is currently rejecting calls. Adapters
// use this for availability gating.
func (t *breakerTransport) open() bool {
	return t.breaker.State() == gobreaker.StateOpen
}

// clientConfig describes one upstream client.
type clientConfig struct {
	host    string        // Pinned host; request URLs are path-only.
	rps     rate.Limit    // 0 means unthrottled.
	header  [2]string     // Optional static header (e.g. an API key).
	breaker bool          // Wrap with a circuit breaker.
	timeout time.Duration // Whole-request ceiling; orchestrators add their own.
}

// newClient assembles the transport chain for an upstream. Order matters:
// throttle first so limited tokens aren't spent on requests the breaker
// would reject anyway, then scope, then auth.
func newClient(cfg clientConfig) (*http.Client, *breakerTransport) {
	var rt http.RoundTripper = http.DefaultTransport

	var bt *breakerTransport
	if cfg.breaker {
		bt = newBreakerTransport(cfg.host, rt)
		rt = bt
	}
	if cfg.header[0] != "" {
		rt = headerTransport{key: cfg.header[0], value: cfg.header[1], RoundTripper: rt}
	}
	rt = headerTransport{key: "User-Agent", value: _userAgent, RoundTripper: rt}
	if cfg.host != "" {
		rt = scopedTransport{host: cfg.host, RoundTripper: rt}
	}
	if cfg.rps > 0 {
		rt = throttledTransport{Limiter: rate.NewLimiter(cfg.rps, 1), RoundTripper: rt}
	}

	timeout := cfg.timeout
	if timeout == 0 {
		timeout = _defaultTimeout
	}

	return &http.Client{Transport: rt, Timeout: timeout}, bt
}

// returnedError classifies a response that signals failure. nil means the
// caller should treat the body as empty (non-retryable 4xx).
func returnedError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	if retryableStatus(resp.StatusCode) {
		return statusErr(resp.StatusCode)
	}
	return nil
}
