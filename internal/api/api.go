// Package api exposes the HTTP surface: catalog reads, quota status, the
// crosswalk, and the synchronous enrichment entry points. Every response is
// wrapped in the success/error envelope.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/persist"
	"github.com/bookforge/bookforge/internal/provider"
	"github.com/bookforge/bookforge/internal/queue"
	"github.com/bookforge/bookforge/internal/quota"
)

// Error codes surfaced in the error envelope.
const (
	CodeInvalidISBN       = "INVALID_ISBN"
	CodeMissingParameter  = "MISSING_PARAMETER"
	CodeNotFound          = "NOT_FOUND"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeProviderError     = "PROVIDER_ERROR"
	CodeProviderTimeout   = "PROVIDER_TIMEOUT"
	CodeDatabaseError     = "DATABASE_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case CodeInvalidISBN, CodeMissingParameter:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeProviderError:
		return http.StatusBadGateway
	case CodeProviderTimeout:
		return http.StatusGatewayTimeout
	case CodeDatabaseError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// _quotaStatusTTL is how long a quota snapshot is served before re-reading
// the counter.
const _quotaStatusTTL = 60 * time.Second

type meta struct {
	RequestID string `json:"requestId,omitempty"`
	Timestamp string `json:"timestamp"`
	LatencyMS int64  `json:"latencyMs"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
	Meta    meta       `json:"meta"`
}

// Server serves the API.
type Server struct {
	store    *persist.Store
	quota    *quota.Coordinator
	enricher *queue.EnrichHandler
	producer *queue.Producer
	biblio   provider.BibliographyFetcher

	quotaMu      sync.Mutex
	quotaStatus  quota.Status
	quotaFetched time.Time
}

// NewServer creates a Server. biblio may be nil; the bibliography endpoint
// then reports PROVIDER_ERROR.
func NewServer(store *persist.Store, q *quota.Coordinator, enricher *queue.EnrichHandler,
	producer *queue.Producer, biblio provider.BibliographyFetcher,
) *Server {
	return &Server{store: store, quota: q, enricher: enricher, producer: producer, biblio: biblio}
}

// Handler builds the router. reg may be nil to skip the /metrics endpoint
// and request instrumentation.
func (s *Server) Handler(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	r.Get("/api/search", s.handleSearch)
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/quota/status", s.handleQuotaStatus)
	r.Get("/api/external-ids/{entityType}/{key}", s.handleExternalIDs)
	r.Get("/api/resolve/{provider}/{id}", s.handleResolve)
	r.Post("/api/enrich/batch-direct", s.handleBatchDirect)
	r.Post("/api/authors/enrich-bibliography", s.handleBibliography)

	if reg == nil {
		return r
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return instrument(reg, r)
}

// respond writes the success envelope.
func respond(w http.ResponseWriter, r *http.Request, start time.Time, data any) {
	writeJSON(w, r, http.StatusOK, envelope{
		Success: true,
		Data:    data,
		Meta:    buildMeta(r.Context(), start),
	})
}

// fail writes the error envelope for a code.
func fail(w http.ResponseWriter, r *http.Request, start time.Time, code, message string, details any) {
	writeJSON(w, r, statusFor(code), envelope{
		Success: false,
		Error:   &errorBody{Code: code, Message: message, Details: details},
		Meta:    buildMeta(r.Context(), start),
	})
}

func buildMeta(ctx context.Context, start time.Time) meta {
	return meta{
		RequestID: middleware.GetReqID(ctx),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		LatencyMS: time.Since(start).Milliseconds(),
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body envelope) {
	raw, err := sonic.Marshal(body)
	if err != nil {
		logging.Log(r.Context()).Error("unable to encode response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

// failFromError classifies an error from a downstream call.
func failFromError(w http.ResponseWriter, r *http.Request, start time.Time, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		fail(w, r, start, CodeProviderTimeout, "upstream provider timed out", nil)
	case errors.Is(err, context.Canceled):
		fail(w, r, start, CodeInternalError, "request cancelled", nil)
	default:
		fail(w, r, start, CodeProviderError, err.Error(), nil)
	}
}
