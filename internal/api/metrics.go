package api

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const _metricsNamespace = "bookforge"

// _patternRE strips `{...}` segments from a route pattern to build a label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

// instrument wraps the router to record request latencies and in-flight
// counts, labeled by the matched route pattern rather than the raw path so
// label cardinality stays bounded.
func instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60},
		},
		[]string{"method", "path", "status"},
	)
	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)
	reg.MustRegister(requests, inflight)

	var mu sync.Mutex
	normalized := map[string]string{}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		mu.Lock()
		path, ok := normalized[r.Pattern]
		if !ok {
			path = normalizePattern(r.Pattern)
			normalized[r.Pattern] = path
		}
		mu.Unlock()
		if path == "" {
			// Don't record traffic for unrecognized endpoints.
			return
		}

		requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(time.Since(start).Seconds())
	})
}

// normalizePattern derives the constant label from the pattern:
//
//	"/api/resolve/{provider}/{id}" → "/api/resolve"
//	"/api/stats"                   → "/api/stats"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
