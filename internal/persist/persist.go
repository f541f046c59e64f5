// Package persist owns the relational store: Works, Editions, Authors, the
// Work-Author join and the external-ID crosswalk. All writes are upserts so
// replaying a queue message converges instead of diverging.
package persist

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bookforge/bookforge/internal/cache"
)

// DB is the subset of pgxpool.Pool the store uses. Narrow on purpose so
// tests can substitute a fake.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Work is the abstract book, shared across editions.
type Work struct {
	Key              string   `json:"workKey"`
	Title            string   `json:"title"`
	Subtitle         string   `json:"subtitle,omitempty"`
	Description      string   `json:"description,omitempty"`
	FirstPublishYear int      `json:"firstPublishYear,omitempty"`
	Subjects         []string `json:"subjects,omitempty"`
	Authors          []string `json:"authors,omitempty"`
	PrimaryProvider  string   `json:"primaryProvider,omitempty"`
	Contributors     []string `json:"contributors,omitempty"`
	QualityScore     int      `json:"qualityScore,omitempty"`
}

// Edition is one printed/published form, keyed by ISBN-13. Its Work must
// exist before it does.
type Edition struct {
	ISBN            string   `json:"isbn"`
	WorkKey         string   `json:"workKey"`
	Title           string   `json:"title"`
	Subtitle        string   `json:"subtitle,omitempty"`
	Publisher       string   `json:"publisher,omitempty"`
	PublishDate     string   `json:"publishDate,omitempty"`
	Language        string   `json:"language,omitempty"`
	Binding         string   `json:"binding,omitempty"`
	PageCount       int      `json:"pageCount,omitempty"`
	CoverLarge      string   `json:"coverLarge,omitempty"`
	CoverMedium     string   `json:"coverMedium,omitempty"`
	CoverSmall      string   `json:"coverSmall,omitempty"`
	RelatedISBNs    []string `json:"relatedIsbns,omitempty"`
	PrimaryProvider string   `json:"primaryProvider,omitempty"`
	Contributors    []string `json:"contributors,omitempty"`
	QualityScore    int      `json:"qualityScore,omitempty"`
}

// Author is a person record, keyed by a slug of the name.
type Author struct {
	Key         string `json:"authorKey"`
	Name        string `json:"name"`
	Gender      string `json:"gender,omitempty"`
	Nationality string `json:"nationality,omitempty"`
	BirthYear   int    `json:"birthYear,omitempty"`
	DeathYear   int    `json:"deathYear,omitempty"`
	BirthPlace  string `json:"birthPlace,omitempty"`
	Biography   string `json:"biography,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	WikidataID  string `json:"wikidataId,omitempty"`
}

// ExternalIDRow is one crosswalk assertion.
type ExternalIDRow struct {
	EntityType string `json:"entityType"` // "work" | "edition" | "author".
	EntityKey  string `json:"entityKey"`
	Provider   string `json:"provider"`
	ExternalID string `json:"externalId"`
	Confidence int    `json:"confidence"`
}

// Stats counts the catalog.
type Stats struct {
	Works    int64 `json:"works"`
	Editions int64 `json:"editions"`
	Authors  int64 `json:"authors"`
}

// Store wraps the database with the enrichment write paths and the read
// paths the API serves.
type Store struct {
	db        DB
	crosswalk cache.Cache[[]byte]
}

// New creates a Store. The crosswalk cache is optional.
func New(db DB, crosswalk cache.Cache[[]byte]) *Store {
	return &Store{db: db, crosswalk: crosswalk}
}

var _schema = []string{
	`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
	`CREATE TABLE IF NOT EXISTS works (
		work_key TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		subtitle TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		first_publish_year INT NOT NULL DEFAULT 0,
		subjects TEXT[] NOT NULL DEFAULT '{}',
		authors TEXT[] NOT NULL DEFAULT '{}',
		primary_provider TEXT NOT NULL DEFAULT '',
		contributors TEXT[] NOT NULL DEFAULT '{}',
		quality_score INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS editions (
		isbn TEXT PRIMARY KEY,
		work_key TEXT NOT NULL REFERENCES works(work_key),
		title TEXT NOT NULL,
		subtitle TEXT NOT NULL DEFAULT '',
		publisher TEXT NOT NULL DEFAULT '',
		publish_date TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		binding TEXT NOT NULL DEFAULT '',
		page_count INT NOT NULL DEFAULT 0,
		cover_large TEXT NOT NULL DEFAULT '',
		cover_medium TEXT NOT NULL DEFAULT '',
		cover_small TEXT NOT NULL DEFAULT '',
		related_isbns TEXT[] NOT NULL DEFAULT '{}',
		primary_provider TEXT NOT NULL DEFAULT '',
		contributors TEXT[] NOT NULL DEFAULT '{}',
		quality_score INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS authors (
		author_key TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		gender TEXT NOT NULL DEFAULT '',
		nationality TEXT NOT NULL DEFAULT '',
		birth_year INT NOT NULL DEFAULT 0,
		death_year INT NOT NULL DEFAULT 0,
		birth_place TEXT NOT NULL DEFAULT '',
		biography TEXT NOT NULL DEFAULT '',
		photo_url TEXT NOT NULL DEFAULT '',
		wikidata_id TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS work_authors (
		work_key TEXT NOT NULL REFERENCES works(work_key),
		author_key TEXT NOT NULL REFERENCES authors(author_key),
		position INT NOT NULL DEFAULT 0,
		PRIMARY KEY (work_key, author_key)
	)`,
	`CREATE TABLE IF NOT EXISTS external_ids (
		entity_type TEXT NOT NULL,
		entity_key TEXT NOT NULL,
		provider TEXT NOT NULL,
		external_id TEXT NOT NULL,
		confidence INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (entity_type, entity_key, provider)
	)`,
	`CREATE INDEX IF NOT EXISTS works_title_trgm ON works USING gin (title gin_trgm_ops)`,
	`CREATE INDEX IF NOT EXISTS editions_title_trgm ON editions USING gin (title gin_trgm_ops)`,
	`CREATE INDEX IF NOT EXISTS editions_work_key ON editions (work_key)`,
	`CREATE INDEX IF NOT EXISTS external_ids_reverse ON external_ids (provider, external_id)`,
	`CREATE TABLE IF NOT EXISTS analytics_events (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema applies the DDL. Every statement is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range _schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
