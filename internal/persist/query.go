package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"

	"github.com/bookforge/bookforge/internal/cache"
	"github.com/bookforge/bookforge/internal/isbn"
)

// Search pagination bounds.
const (
	_defaultLimit = 20
	_maxLimit     = 100
)

const _crosswalkTTL = time.Hour

// SearchQuery selects editions by exactly one of ISBN, title or author.
type SearchQuery struct {
	ISBN   string
	Title  string
	Author string
	Limit  int
	Offset int
}

const _editionColumns = `isbn, work_key, title, subtitle, publisher, publish_date, language, binding, page_count,
	cover_large, cover_medium, cover_small, related_isbns, primary_provider, contributors, quality_score`

// Search returns matching editions. ISBN lookups also match related ISBNs;
// title search uses trigram similarity so near-misses still rank.
func (s *Store) Search(ctx context.Context, q SearchQuery) ([]Edition, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = _defaultLimit
	}
	if limit > _maxLimit {
		limit = _maxLimit
	}
	offset := max(0, q.Offset)

	var rows pgx.Rows
	var err error
	switch {
	case q.ISBN != "":
		normalized, nerr := isbn.Normalize(q.ISBN)
		if nerr != nil {
			return nil, fmt.Errorf("normalizing isbn: %w", nerr)
		}
		rows, err = s.db.Query(ctx, `
			SELECT `+_editionColumns+` FROM editions
			WHERE isbn = $1 OR $1 = ANY(related_isbns)
			LIMIT $2 OFFSET $3`, normalized, limit, offset)
	case q.Title != "":
		rows, err = s.db.Query(ctx, `
			SELECT `+_editionColumns+` FROM editions
			WHERE title % $1
			ORDER BY similarity(title, $1) DESC
			LIMIT $2 OFFSET $3`, q.Title, limit, offset)
	case q.Author != "":
		rows, err = s.db.Query(ctx, `
			SELECT `+_editionColumns+` FROM editions e
			WHERE EXISTS (
				SELECT 1 FROM works w, unnest(w.authors) AS author
				WHERE w.work_key = e.work_key AND author ILIKE '%' || $1 || '%'
			)
			LIMIT $2 OFFSET $3`, q.Author, limit, offset)
	default:
		return nil, errors.New("search requires isbn, title or author")
	}
	if err != nil {
		return nil, fmt.Errorf("searching editions: %w", err)
	}
	defer rows.Close()

	var out []Edition
	for rows.Next() {
		var e Edition
		if err := rows.Scan(&e.ISBN, &e.WorkKey, &e.Title, &e.Subtitle, &e.Publisher, &e.PublishDate,
			&e.Language, &e.Binding, &e.PageCount, &e.CoverLarge, &e.CoverMedium, &e.CoverSmall,
			&e.RelatedISBNs, &e.PrimaryProvider, &e.Contributors, &e.QualityScore); err != nil {
			return nil, fmt.Errorf("scanning edition: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEdition returns one edition by ISBN, or nil.
func (s *Store) GetEdition(ctx context.Context, rawISBN string) (*Edition, error) {
	editions, err := s.Search(ctx, SearchQuery{ISBN: rawISBN, Limit: 1})
	if err != nil || len(editions) == 0 {
		return nil, err
	}
	return &editions[0], nil
}

// Stats counts the catalog.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM works), (SELECT count(*) FROM editions), (SELECT count(*) FROM authors)`).
		Scan(&st.Works, &st.Editions, &st.Authors)
	if err != nil {
		return Stats{}, fmt.Errorf("counting catalog: %w", err)
	}
	return st, nil
}

// AuthorsNeedingDetail returns authors with no biographical data yet, for
// the diversity-enrichment trigger. Ordered by key so paging is stable.
func (s *Store) AuthorsNeedingDetail(ctx context.Context, limit, offset int) ([]Author, error) {
	if limit <= 0 {
		limit = _defaultLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT author_key, name FROM authors
		WHERE nationality = '' AND gender = '' AND birth_year = 0
		ORDER BY author_key
		LIMIT $1 OFFSET $2`, limit, max(0, offset))
	if err != nil {
		return nil, fmt.Errorf("listing sparse authors: %w", err)
	}
	defer rows.Close()

	var out []Author
	for rows.Next() {
		var a Author
		if err := rows.Scan(&a.Key, &a.Name); err != nil {
			return nil, fmt.Errorf("scanning author: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func crosswalkKey(entityType, entityKey string) string {
	return "xw:" + entityType + ":" + entityKey
}

func resolveKey(provider, externalID string) string {
	return "rv:" + provider + ":" + externalID
}

// ExternalIDsFor returns the crosswalk rows for one entity, cached briefly.
func (s *Store) ExternalIDsFor(ctx context.Context, entityType, entityKey string) ([]ExternalIDRow, error) {
	key := crosswalkKey(entityType, entityKey)
	if s.crosswalk != nil {
		if raw, ok := s.crosswalk.Get(ctx, key); ok {
			var cached []ExternalIDRow
			if err := sonic.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	rows, err := s.db.Query(ctx, `
		SELECT entity_type, entity_key, provider, external_id, confidence
		FROM external_ids WHERE entity_type = $1 AND entity_key = $2
		ORDER BY provider`, entityType, entityKey)
	if err != nil {
		return nil, fmt.Errorf("reading external ids: %w", err)
	}
	defer rows.Close()

	var out []ExternalIDRow
	for rows.Next() {
		var r ExternalIDRow
		if err := rows.Scan(&r.EntityType, &r.EntityKey, &r.Provider, &r.ExternalID, &r.Confidence); err != nil {
			return nil, fmt.Errorf("scanning external id: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.crosswalk != nil {
		if raw, err := sonic.Marshal(out); err == nil {
			s.crosswalk.Set(ctx, key, raw, cache.Fuzz(_crosswalkTTL, 1.5))
		}
	}
	return out, nil
}

// Resolve maps a provider's external ID back to our entity. ok=false means
// the crosswalk has no such row.
func (s *Store) Resolve(ctx context.Context, provider, externalID string) (entityType, entityKey string, ok bool, err error) {
	key := resolveKey(provider, externalID)
	if s.crosswalk != nil {
		if raw, found := s.crosswalk.Get(ctx, key); found {
			var cached [2]string
			if err := sonic.Unmarshal(raw, &cached); err == nil {
				return cached[0], cached[1], true, nil
			}
		}
	}

	err = s.db.QueryRow(ctx, `
		SELECT entity_type, entity_key FROM external_ids
		WHERE provider = $1 AND external_id = $2
		LIMIT 1`, provider, externalID).Scan(&entityType, &entityKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("resolving external id: %w", err)
	}

	if s.crosswalk != nil {
		if raw, merr := sonic.Marshal([2]string{entityType, entityKey}); merr == nil {
			s.crosswalk.Set(ctx, key, raw, cache.Fuzz(_crosswalkTTL, 1.5))
		}
	}
	return entityType, entityKey, true, nil
}
