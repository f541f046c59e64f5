// Package sched owns the periodic triggers: monthly release backfill, author
// bibliography harvests, and biographical enrichment of sparse author rows.
// Triggers only enqueue or cursor forward; the heavy lifting happens in the
// queue consumers. Each trigger defers to user traffic via the quota
// coordinator's cron rule and keeps its resume cursor in Redis, so a long
// backfill survives restarts and deploys.
package sched

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bookforge/bookforge/internal/logging"
	"github.com/bookforge/bookforge/internal/persist"
	"github.com/bookforge/bookforge/internal/provider"
	"github.com/bookforge/bookforge/internal/queue"
	"github.com/bookforge/bookforge/internal/quota"
)

// Cursor keys, one hash per trigger.
const (
	_cursorReleases  = "cursor:new_releases"
	_cursorHarvest   = "cursor:author_harvest"
	_cursorDiversity = "cursor:diversity"
)

// Config bounds the scheduler. Zero values take the defaults.
type Config struct {
	ReleasesEvery  time.Duration // How often to look for an unprocessed month.
	HarvestEvery   time.Duration // How often to harvest one author.
	DiversityEvery time.Duration // How often to enrich a page of sparse authors.

	// HarvestAuthors is the rotation of authors whose bibliographies are
	// kept fresh. Empty disables the harvest trigger.
	HarvestAuthors []string

	HarvestPages   int // Paid pages per author per tick.
	DiversityBatch int // Authors per diversity tick.
	MonthsPerTick  int // Months enqueued per releases tick.
}

func (c Config) withDefaults() Config {
	if c.ReleasesEvery <= 0 {
		c.ReleasesEvery = 24 * time.Hour
	}
	if c.HarvestEvery <= 0 {
		c.HarvestEvery = time.Hour
	}
	if c.DiversityEvery <= 0 {
		c.DiversityEvery = time.Hour
	}
	if c.HarvestPages <= 0 {
		c.HarvestPages = 5
	}
	if c.DiversityBatch <= 0 {
		c.DiversityBatch = 25
	}
	if c.MonthsPerTick <= 0 {
		c.MonthsPerTick = 1
	}
	return c
}

// Scheduler fires the periodic triggers.
type Scheduler struct {
	rdb      redis.UniversalClient
	quota    *quota.Coordinator
	producer *queue.Producer
	store    *persist.Store
	biblio   provider.BibliographyFetcher // Paid; may be nil.
	authors  provider.AuthorFetcher       // Free biographical source; may be nil.
	cfg      Config
	now      func() time.Time
}

// New creates a Scheduler.
func New(rdb redis.UniversalClient, q *quota.Coordinator, producer *queue.Producer,
	store *persist.Store, biblio provider.BibliographyFetcher, authors provider.AuthorFetcher, cfg Config,
) *Scheduler {
	return &Scheduler{
		rdb:      rdb,
		quota:    q,
		producer: producer,
		store:    store,
		biblio:   biblio,
		authors:  authors,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Run fires the triggers until the context ends. Each trigger runs once at
// startup so a fresh deploy doesn't wait a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	releases := time.NewTicker(s.cfg.ReleasesEvery)
	defer releases.Stop()
	harvest := time.NewTicker(s.cfg.HarvestEvery)
	defer harvest.Stop()
	diversity := time.NewTicker(s.cfg.DiversityEvery)
	defer diversity.Stop()

	s.RunNewReleases(ctx)
	s.RunAuthorHarvest(ctx)
	s.RunDiversity(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-releases.C:
			s.RunNewReleases(ctx)
		case <-harvest.C:
			s.RunAuthorHarvest(ctx)
		case <-diversity.C:
			s.RunDiversity(ctx)
		}
	}
}

// RunNewReleases enqueues backfill jobs for months between the cursor and
// last month. The cursor only advances once the job is on the queue.
func (s *Scheduler) RunNewReleases(ctx context.Context) {
	if s.producer == nil {
		return
	}

	prevYear, prevMonth := previousMonth(s.now().UTC())
	curYear, curMonth, ok := s.readMonthCursor(ctx)
	if !ok {
		// First run: start at last month rather than replaying history.
		curYear, curMonth = previousMonth(time.Date(prevYear, time.Month(prevMonth), 1, 0, 0, 0, 0, time.UTC))
	}

	for range s.cfg.MonthsPerTick {
		if !monthBefore(curYear, curMonth, prevYear, prevMonth) {
			return // Caught up.
		}
		if d := s.quota.ShouldAllowOperation(ctx, quota.OpCron, int64(s.cfg.MonthsPerTick)); !d.Allowed {
			logging.Log(ctx).Info("skipping release backfill tick", "reason", d.Reason)
			return
		}

		year, month := nextMonth(curYear, curMonth)
		if err := s.producer.EnqueueBackfill(ctx, queue.BackfillJob{Year: year, Month: month}); err != nil {
			logging.Log(ctx).Warn("unable to queue release backfill", "year", year, "month", month, "err", err)
			return
		}
		if err := s.writeMonthCursor(ctx, year, month); err != nil {
			logging.Log(ctx).Warn("unable to advance release cursor", "err", err)
			return
		}
		logging.Log(ctx).Info("queued release backfill", "year", year, "month", month)
		curYear, curMonth = year, month
	}
}

// RunAuthorHarvest refreshes one configured author's bibliography per tick,
// rotating through the list.
func (s *Scheduler) RunAuthorHarvest(ctx context.Context) {
	if s.biblio == nil || s.producer == nil || len(s.cfg.HarvestAuthors) == 0 {
		return
	}

	if d := s.quota.ShouldAllowOperation(ctx, quota.OpBulkAuthor, int64(s.cfg.HarvestPages)); !d.Allowed {
		logging.Log(ctx).Info("skipping author harvest tick", "reason", d.Reason)
		return
	}

	idx := s.readIntCursor(ctx, _cursorHarvest)
	author := s.cfg.HarvestAuthors[idx%len(s.cfg.HarvestAuthors)]

	books, err := s.biblio.FetchAuthorBibliography(ctx, author, s.cfg.HarvestPages)
	if err != nil {
		logging.Log(ctx).Warn("author harvest failed", "author", author, "err", err)
		return
	}
	enqueued := 0
	for _, md := range books {
		if md.ISBN == "" {
			continue
		}
		if err := s.producer.EnqueueEnrichment(ctx, queue.EnrichmentJob{ISBN: md.ISBN, Source: "author_harvest"}); err != nil {
			logging.Log(ctx).Warn("unable to queue enrichment", "isbn", md.ISBN, "err", err)
			continue
		}
		enqueued++
	}

	s.writeIntCursor(ctx, _cursorHarvest, idx+1)
	logging.Log(ctx).Info("author harvest tick complete", "author", author, "books", len(books), "enqueued", enqueued)
}

// RunDiversity walks authors with no biographical data and fills them from
// the free biographical provider. No paid quota is involved.
func (s *Scheduler) RunDiversity(ctx context.Context) {
	if s.authors == nil || s.store == nil {
		return
	}

	offset := s.readIntCursor(ctx, _cursorDiversity)
	sparse, err := s.store.AuthorsNeedingDetail(ctx, s.cfg.DiversityBatch, offset)
	if err != nil {
		logging.Log(ctx).Warn("unable to list sparse authors", "err", err)
		return
	}
	if len(sparse) == 0 {
		s.writeIntCursor(ctx, _cursorDiversity, 0) // Wrap to the start.
		return
	}

	enriched := 0
	for _, a := range sparse {
		detail, err := s.authors.FetchAuthor(ctx, a.Name)
		if err != nil {
			logging.Log(ctx).Warn("author detail fetch failed", "author", a.Name, "err", err)
			continue
		}
		if detail == nil {
			continue
		}
		err = s.store.EnrichAuthor(ctx, persist.Author{
			Key:         a.Key,
			Name:        a.Name,
			Gender:      detail.Gender,
			Nationality: detail.Nationality,
			BirthYear:   detail.BirthYear,
			DeathYear:   detail.DeathYear,
			BirthPlace:  detail.BirthPlace,
			Biography:   detail.Biography,
			PhotoURL:    detail.PhotoURL,
			WikidataID:  detail.WikidataID,
		})
		if err != nil {
			logging.Log(ctx).Warn("unable to persist author detail", "author", a.Name, "err", err)
			continue
		}
		enriched++
	}

	// Enriched rows fall out of the sparse query, so only rows we failed on
	// need skipping next tick.
	s.writeIntCursor(ctx, _cursorDiversity, offset+len(sparse)-enriched)
	logging.Log(ctx).Info("diversity tick complete", "scanned", len(sparse), "enriched", enriched)
}

func (s *Scheduler) readMonthCursor(ctx context.Context) (year, month int, ok bool) {
	vals, err := s.rdb.HGetAll(ctx, _cursorReleases).Result()
	if err != nil || len(vals) == 0 {
		return 0, 0, false
	}
	year, _ = strconv.Atoi(vals["year"])
	month, _ = strconv.Atoi(vals["month"])
	return year, month, year > 0 && month >= 1 && month <= 12
}

func (s *Scheduler) writeMonthCursor(ctx context.Context, year, month int) error {
	if err := s.rdb.HSet(ctx, _cursorReleases, "year", year, "month", month).Err(); err != nil {
		return fmt.Errorf("writing month cursor: %w", err)
	}
	return nil
}

func (s *Scheduler) readIntCursor(ctx context.Context, key string) int {
	raw, err := s.rdb.HGet(ctx, key, "pos").Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(raw)
	return max(0, n)
}

func (s *Scheduler) writeIntCursor(ctx context.Context, key string, pos int) {
	if err := s.rdb.HSet(ctx, key, "pos", pos).Err(); err != nil {
		logging.Log(ctx).Warn("unable to write cursor", "key", key, "err", err)
	}
}

func previousMonth(t time.Time) (int, int) {
	y, m, _ := t.AddDate(0, -1, -(t.Day() - 1)).Date()
	return y, int(m)
}

func nextMonth(year, month int) (int, int) {
	if month == 12 {
		return year + 1, 1
	}
	return year, month + 1
}

func monthBefore(y1, m1, y2, m2 int) bool {
	return y1 < y2 || (y1 == y2 && m1 < m2)
}
