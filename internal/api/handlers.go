package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"github.com/bookforge/bookforge/internal/isbn"
	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/persist"
	"github.com/bookforge/bookforge/internal/queue"
	"github.com/bookforge/bookforge/internal/quota"
)

// _batchDirectMax bounds the synchronous enrichment endpoint.
const _batchDirectMax = 1000

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	query := persist.SearchQuery{
		ISBN:   q.Get("isbn"),
		Title:  q.Get("title"),
		Author: q.Get("author"),
	}
	if query.ISBN == "" && query.Title == "" && query.Author == "" {
		fail(w, r, start, CodeMissingParameter, "one of isbn, title or author is required", nil)
		return
	}
	if query.ISBN != "" {
		normalized, err := isbn.Normalize(query.ISBN)
		if err != nil {
			fail(w, r, start, CodeInvalidISBN, "not a valid ISBN-10 or ISBN-13", map[string]any{"isbn": query.ISBN})
			return
		}
		query.ISBN = normalized
	}
	query.Limit, _ = strconv.Atoi(q.Get("limit"))
	query.Offset, _ = strconv.Atoi(q.Get("offset"))

	editions, err := s.store.Search(r.Context(), query)
	if err != nil {
		logging.Log(r.Context()).Warn("search failed", "err", err)
		fail(w, r, start, CodeDatabaseError, "search unavailable", nil)
		return
	}
	if editions == nil {
		editions = []persist.Edition{}
	}
	respond(w, r, start, map[string]any{"editions": editions, "count": len(editions)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		logging.Log(r.Context()).Warn("stats query failed", "err", err)
		fail(w, r, start, CodeDatabaseError, "stats unavailable", nil)
		return
	}
	respond(w, r, start, stats)
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	s.quotaMu.Lock()
	if time.Since(s.quotaFetched) >= _quotaStatusTTL {
		s.quotaStatus = s.quota.Status(r.Context())
		s.quotaFetched = time.Now()
	}
	status := s.quotaStatus
	s.quotaMu.Unlock()

	w.Header().Set("Cache-Control", "max-age=60")
	respond(w, r, start, status)
}

func (s *Server) handleExternalIDs(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	entityType := chi.URLParam(r, "entityType")
	key := chi.URLParam(r, "key")

	rows, err := s.store.ExternalIDsFor(r.Context(), entityType, key)
	if err != nil {
		logging.Log(r.Context()).Warn("crosswalk read failed", "err", err)
		fail(w, r, start, CodeDatabaseError, "crosswalk unavailable", nil)
		return
	}
	if len(rows) == 0 {
		fail(w, r, start, CodeNotFound, "no external ids for entity", map[string]any{"entityType": entityType, "key": key})
		return
	}
	respond(w, r, start, map[string]any{"entityType": entityType, "key": key, "externalIds": rows})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	providerName := chi.URLParam(r, "provider")
	externalID := chi.URLParam(r, "id")

	entityType, entityKey, ok, err := s.store.Resolve(r.Context(), providerName, externalID)
	if err != nil {
		logging.Log(r.Context()).Warn("resolve failed", "err", err)
		fail(w, r, start, CodeDatabaseError, "crosswalk unavailable", nil)
		return
	}
	if !ok {
		fail(w, r, start, CodeNotFound, "unknown external id", map[string]any{"provider": providerName, "id": externalID})
		return
	}
	respond(w, r, start, map[string]any{"entityType": entityType, "entityKey": entityKey})
}

type batchDirectRequest struct {
	ISBNs  []string `json:"isbns"`
	Source string   `json:"source,omitempty"`
}

func (s *Server) handleBatchDirect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		fail(w, r, start, CodeInternalError, "unable to read request body", nil)
		return
	}
	var req batchDirectRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		fail(w, r, start, CodeMissingParameter, "request body must be JSON with an isbns array", nil)
		return
	}
	if len(req.ISBNs) == 0 {
		fail(w, r, start, CodeMissingParameter, "isbns must not be empty", nil)
		return
	}
	if len(req.ISBNs) > _batchDirectMax {
		fail(w, r, start, CodeMissingParameter, "too many isbns", map[string]any{"max": _batchDirectMax, "got": len(req.ISBNs)})
		return
	}
	if req.Source == "" {
		req.Source = "batch_direct"
	}

	// One upstream call regardless of batch size, but deny up front when the
	// budget is gone so the caller gets a clear rate-limit answer.
	if d := s.quota.ShouldAllowOperation(r.Context(), quota.OpBatchDirect, 1); !d.Allowed {
		fail(w, r, start, CodeRateLimitExceeded, d.Reason, nil)
		return
	}

	result, err := s.enricher.EnrichDirect(r.Context(), req.ISBNs, req.Source)
	if err != nil {
		failFromError(w, r, start, err)
		return
	}
	respond(w, r, start, result)
}

type bibliographyRequest struct {
	Author   string `json:"author"`
	MaxPages int    `json:"maxPages,omitempty"`
}

func (s *Server) handleBibliography(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		fail(w, r, start, CodeInternalError, "unable to read request body", nil)
		return
	}
	var req bibliographyRequest
	if err := sonic.Unmarshal(body, &req); err != nil || req.Author == "" {
		fail(w, r, start, CodeMissingParameter, "author is required", nil)
		return
	}
	if s.biblio == nil {
		fail(w, r, start, CodeProviderError, "no bibliography provider configured", nil)
		return
	}
	pages := req.MaxPages
	if pages <= 0 {
		pages = 5
	}

	if d := s.quota.ShouldAllowOperation(r.Context(), quota.OpBulkAuthor, int64(pages)); !d.Allowed {
		fail(w, r, start, CodeRateLimitExceeded, d.Reason, nil)
		return
	}

	books, err := s.biblio.FetchAuthorBibliography(r.Context(), req.Author, pages)
	if err != nil {
		failFromError(w, r, start, err)
		return
	}

	enqueued := 0
	for _, md := range books {
		if md.ISBN == "" || s.producer == nil {
			continue
		}
		job := queue.EnrichmentJob{ISBN: md.ISBN, Source: "author_bibliography"}
		if err := s.producer.EnqueueEnrichment(r.Context(), job); err != nil {
			logging.Log(r.Context()).Warn("unable to queue enrichment", "isbn", md.ISBN, "err", err)
			continue
		}
		enqueued++
	}
	respond(w, r, start, map[string]any{"author": req.Author, "found": len(books), "enqueued": enqueued})
}
