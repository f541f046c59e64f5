package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bookforge/bookforge/internal/isbn"
	"github.com/bookforge/bookforge/internal/logging"
)

// EnrichWork upserts a work by key, merging with whatever is already stored.
func (s *Store) EnrichWork(ctx context.Context, w Work) error {
	if w.Key == "" {
		first := ""
		if len(w.Authors) > 0 {
			first = w.Authors[0]
		}
		w.Key = WorkKey(w.Title, first)
	}
	if w.Key == "" {
		return errors.New("work has no key and no title to derive one from")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertWork(ctx, tx, w); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// EnrichEdition upserts an edition by ISBN. The referenced work is created
// inside the same transaction before the edition row, keeping the foreign
// key satisfied at every point.
func (s *Store) EnrichEdition(ctx context.Context, e Edition) error {
	normalized, err := isbn.Normalize(e.ISBN)
	if err != nil {
		return fmt.Errorf("normalizing isbn: %w", err)
	}
	e.ISBN = normalized
	if e.WorkKey == "" {
		e.WorkKey = WorkKey(e.Title, "")
	}
	if e.WorkKey == "" {
		return errors.New("edition has no work key and no title to derive one from")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := ensureWork(ctx, tx, Work{
		Key:             e.WorkKey,
		Title:           e.Title,
		Subtitle:        e.Subtitle,
		PrimaryProvider: e.PrimaryProvider,
		QualityScore:    e.QualityScore,
	}); err != nil {
		return err
	}
	if err := upsertEdition(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// EnrichAuthor upserts an author, filling gaps in the stored record.
func (s *Store) EnrichAuthor(ctx context.Context, a Author) error {
	if a.Key == "" {
		a.Key = AuthorKey(a.Name)
	}
	if a.Key == "" {
		return errors.New("author has no key and no name to derive one from")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, found, err := lockAuthor(ctx, tx, a.Key)
	if err != nil {
		return err
	}
	if found {
		a = mergeAuthor(existing, a)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO authors (author_key, name, gender, nationality, birth_year, death_year, birth_place, biography, photo_url, wikidata_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (author_key) DO UPDATE SET
			name = EXCLUDED.name, gender = EXCLUDED.gender, nationality = EXCLUDED.nationality,
			birth_year = EXCLUDED.birth_year, death_year = EXCLUDED.death_year,
			birth_place = EXCLUDED.birth_place, biography = EXCLUDED.biography,
			photo_url = EXCLUDED.photo_url, wikidata_id = EXCLUDED.wikidata_id,
			updated_at = now()`,
		a.Key, a.Name, a.Gender, a.Nationality, a.BirthYear, a.DeathYear,
		a.BirthPlace, a.Biography, a.PhotoURL, a.WikidataID)
	if err != nil {
		return fmt.Errorf("upserting author: %w", err)
	}
	return tx.Commit(ctx)
}

// LinkWorkAuthors resolves (or creates) each named author and rewrites the
// ordered join rows. Calling it twice with the same input is a no-op.
func (s *Store) LinkWorkAuthors(ctx context.Context, workKey string, orderedNames []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM work_authors WHERE work_key = $1`, workKey); err != nil {
		return fmt.Errorf("clearing work authors: %w", err)
	}
	for i, name := range orderedNames {
		key := AuthorKey(name)
		if key == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO authors (author_key, name) VALUES ($1, $2)
			ON CONFLICT (author_key) DO NOTHING`, key, name); err != nil {
			return fmt.Errorf("ensuring author %q: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO work_authors (work_key, author_key, position) VALUES ($1, $2, $3)
			ON CONFLICT (work_key, author_key) DO UPDATE SET position = EXCLUDED.position`,
			workKey, key, i); err != nil {
			return fmt.Errorf("linking author %q: %w", name, err)
		}
	}
	return tx.Commit(ctx)
}

// UpsertExternalIDs writes crosswalk rows; an existing (entity, provider)
// row is left untouched. Touched cache entries are invalidated.
func (s *Store) UpsertExternalIDs(ctx context.Context, rows []ExternalIDRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO external_ids (entity_type, entity_key, provider, external_id, confidence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (entity_type, entity_key, provider) DO NOTHING`,
			r.EntityType, r.EntityKey, r.Provider, r.ExternalID, r.Confidence); err != nil {
			return fmt.Errorf("upserting external id: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if s.crosswalk != nil {
		for _, r := range rows {
			_ = s.crosswalk.Delete(ctx, crosswalkKey(r.EntityType, r.EntityKey))
			_ = s.crosswalk.Delete(ctx, resolveKey(r.Provider, r.ExternalID))
		}
	}
	return nil
}

// UpdateEditionCovers records processed cover URLs. Empty entries leave the
// stored URL alone, so covers only ever move forward.
func (s *Store) UpdateEditionCovers(ctx context.Context, rawISBN string, urls map[string]string) error {
	normalized, err := isbn.Normalize(rawISBN)
	if err != nil {
		return fmt.Errorf("normalizing isbn: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE editions SET
			cover_large = COALESCE(NULLIF($2, ''), cover_large),
			cover_medium = COALESCE(NULLIF($3, ''), cover_medium),
			cover_small = COALESCE(NULLIF($4, ''), cover_small),
			updated_at = now()
		WHERE isbn = $1`,
		normalized, urls["large"], urls["medium"], urls["small"])
	if err != nil {
		return fmt.Errorf("updating edition covers: %w", err)
	}
	return nil
}

func lockWork(ctx context.Context, tx pgx.Tx, key string) (Work, bool, error) {
	w := Work{Key: key}
	err := tx.QueryRow(ctx, `
		SELECT title, subtitle, description, first_publish_year, subjects, authors, primary_provider, contributors, quality_score
		FROM works WHERE work_key = $1 FOR UPDATE`, key).
		Scan(&w.Title, &w.Subtitle, &w.Description, &w.FirstPublishYear,
			&w.Subjects, &w.Authors, &w.PrimaryProvider, &w.Contributors, &w.QualityScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return Work{}, false, nil
	}
	if err != nil {
		return Work{}, false, fmt.Errorf("locking work: %w", err)
	}
	return w, true, nil
}

func lockAuthor(ctx context.Context, tx pgx.Tx, key string) (Author, bool, error) {
	a := Author{Key: key}
	err := tx.QueryRow(ctx, `
		SELECT name, gender, nationality, birth_year, death_year, birth_place, biography, photo_url, wikidata_id
		FROM authors WHERE author_key = $1 FOR UPDATE`, key).
		Scan(&a.Name, &a.Gender, &a.Nationality, &a.BirthYear, &a.DeathYear,
			&a.BirthPlace, &a.Biography, &a.PhotoURL, &a.WikidataID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Author{}, false, nil
	}
	if err != nil {
		return Author{}, false, fmt.Errorf("locking author: %w", err)
	}
	return a, true, nil
}

func upsertWork(ctx context.Context, tx pgx.Tx, w Work) error {
	existing, found, err := lockWork(ctx, tx, w.Key)
	if err != nil {
		return err
	}
	if found {
		w = mergeWork(existing, w)
	} else {
		w.PrimaryProvider, w.Contributors = mergeProvenance("", nil, w.PrimaryProvider, w.Contributors, true)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO works (work_key, title, subtitle, description, first_publish_year, subjects, authors, primary_provider, contributors, quality_score, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (work_key) DO UPDATE SET
			title = EXCLUDED.title, subtitle = EXCLUDED.subtitle, description = EXCLUDED.description,
			first_publish_year = EXCLUDED.first_publish_year, subjects = EXCLUDED.subjects,
			authors = EXCLUDED.authors, primary_provider = EXCLUDED.primary_provider,
			contributors = EXCLUDED.contributors, quality_score = EXCLUDED.quality_score,
			updated_at = now()`,
		w.Key, w.Title, w.Subtitle, w.Description, w.FirstPublishYear,
		w.Subjects, w.Authors, w.PrimaryProvider, w.Contributors, w.QualityScore)
	if err != nil {
		return fmt.Errorf("upserting work: %w", err)
	}
	return nil
}

// ensureWork inserts a stub work when none exists; an existing row is left
// untouched so a lower-quality edition can't degrade it.
func ensureWork(ctx context.Context, tx pgx.Tx, w Work) error {
	_, found, err := lockWork(ctx, tx, w.Key)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	logging.Log(ctx).Debug("creating stub work for edition", "workKey", w.Key)
	return upsertWork(ctx, tx, w)
}

func upsertEdition(ctx context.Context, tx pgx.Tx, e Edition) error {
	existing := Edition{ISBN: e.ISBN}
	err := tx.QueryRow(ctx, `
		SELECT work_key, title, subtitle, publisher, publish_date, language, binding, page_count,
			cover_large, cover_medium, cover_small, related_isbns, primary_provider, contributors, quality_score
		FROM editions WHERE isbn = $1 FOR UPDATE`, e.ISBN).
		Scan(&existing.WorkKey, &existing.Title, &existing.Subtitle, &existing.Publisher,
			&existing.PublishDate, &existing.Language, &existing.Binding, &existing.PageCount,
			&existing.CoverLarge, &existing.CoverMedium, &existing.CoverSmall,
			&existing.RelatedISBNs, &existing.PrimaryProvider, &existing.Contributors, &existing.QualityScore)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		e.PrimaryProvider, e.Contributors = mergeProvenance("", nil, e.PrimaryProvider, e.Contributors, true)
	case err != nil:
		return fmt.Errorf("locking edition: %w", err)
	default:
		e = mergeEdition(existing, e)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO editions (isbn, work_key, title, subtitle, publisher, publish_date, language, binding, page_count,
			cover_large, cover_medium, cover_small, related_isbns, primary_provider, contributors, quality_score, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now())
		ON CONFLICT (isbn) DO UPDATE SET
			work_key = EXCLUDED.work_key, title = EXCLUDED.title, subtitle = EXCLUDED.subtitle,
			publisher = EXCLUDED.publisher, publish_date = EXCLUDED.publish_date,
			language = EXCLUDED.language, binding = EXCLUDED.binding, page_count = EXCLUDED.page_count,
			cover_large = EXCLUDED.cover_large, cover_medium = EXCLUDED.cover_medium, cover_small = EXCLUDED.cover_small,
			related_isbns = EXCLUDED.related_isbns, primary_provider = EXCLUDED.primary_provider,
			contributors = EXCLUDED.contributors, quality_score = EXCLUDED.quality_score,
			updated_at = now()`,
		e.ISBN, e.WorkKey, e.Title, e.Subtitle, e.Publisher, e.PublishDate, e.Language, e.Binding, e.PageCount,
		e.CoverLarge, e.CoverMedium, e.CoverSmall, e.RelatedISBNs, e.PrimaryProvider, e.Contributors, e.QualityScore)
	if err != nil {
		return fmt.Errorf("upserting edition: %w", err)
	}
	return nil
}
