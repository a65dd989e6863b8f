package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/grabbitd/grabbit/internal/database"
	"github.com/grabbitd/grabbit/internal/listing"
)

var ErrSourceNotFound = errors.New("source does not exist")

type (
	// Source is one trackable upstream source and its polling state.
	Source struct {
		ID              uuid.UUID          `db:"id"`
		SourceType      listing.SourceType `db:"source_type"`
		Name            string             `db:"name"`
		Enabled         bool               `db:"enabled"`
		LastPolledAt    *time.Time         `db:"last_polled_at"`
		ZeroResultCount int                `db:"zero_result_count"`
	}

	Store struct{}
)

func NewStore() *Store { return &Store{} }

// Save upserts a source keyed on (type, name). Re-saving an existing source
// re-enables it but leaves its polling state alone.
func (store *Store) Save(db database.Queryable, source *Source) error {
	if source.ID == uuid.Nil {
		source.ID = uuid.New()
	}

	var id uuid.UUID
	if err := db.QueryRowx(`
		INSERT INTO sources(id, source_type, name, enabled, last_polled_at, zero_result_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(source_type, name) DO UPDATE SET enabled=EXCLUDED.enabled
		RETURNING id
	`, source.ID, source.SourceType, source.Name, source.Enabled, source.LastPolledAt, source.ZeroResultCount).Scan(&id); err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}

	source.ID = id
	return nil
}

// ListEligible returns the enabled sources whose zero-result counter is below
// the backoff threshold, oldest-polled first with never-polled sources ahead
// of everything, ties broken by name.
func (store *Store) ListEligible(db database.Queryable, backoffThreshold int) ([]*Source, error) {
	query, args, err := squirrel.
		Select("*").From("sources").
		Where(squirrel.Eq{"enabled": true}).
		Where(squirrel.Lt{"zero_result_count": backoffThreshold}).
		OrderBy("last_polled_at ASC NULLS FIRST", "name ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select sources query: %w", err)
	}

	var results []*Source
	if err := db.Select(&results, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select sources: %w", err)
	}

	return results, nil
}

// ListBackedOff returns the enabled sources currently suppressed by backoff,
// for pass summaries.
func (store *Store) ListBackedOff(db database.Queryable, backoffThreshold int) ([]*Source, error) {
	query, args, err := squirrel.
		Select("*").From("sources").
		Where(squirrel.Eq{"enabled": true}).
		Where(squirrel.GtOrEq{"zero_result_count": backoffThreshold}).
		OrderBy("name ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select sources query: %w", err)
	}

	var results []*Source
	if err := db.Select(&results, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select sources: %w", err)
	}

	return results, nil
}

func (store *Store) Get(db database.Queryable, sourceType listing.SourceType, name string) (*Source, error) {
	query, args, err := squirrel.
		Select("*").From("sources").
		Where(squirrel.Eq{"source_type": sourceType, "name": name}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select source query: %w", err)
	}

	var result Source
	if err := db.Get(&result, query, args...); err != nil {
		return nil, ErrSourceNotFound
	}

	return &result, nil
}

// StampPolled records that the source was just polled, independently of the
// poll's outcome.
func (store *Store) StampPolled(db database.Queryable, id uuid.UUID) error {
	_, err := db.Exec(`UPDATE sources SET last_polled_at=current_timestamp WHERE id=$1`, id)
	return err
}

// IncrementZeroResults bumps the consecutive-zero-result counter, returning
// its new value.
func (store *Store) IncrementZeroResults(db database.Queryable, id uuid.UUID) (int, error) {
	var count int
	if err := db.QueryRowx(`
		UPDATE sources SET zero_result_count=zero_result_count+1 WHERE id=$1
		RETURNING zero_result_count
	`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment zero-result counter: %w", err)
	}

	return count, nil
}

// ResetZeroResults clears the counter the moment a poll yields new content,
// which also lifts any backoff immediately.
func (store *Store) ResetZeroResults(db database.Queryable, id uuid.UUID) error {
	_, err := db.Exec(`UPDATE sources SET zero_result_count=0 WHERE id=$1`, id)
	return err
}

func (store *Store) SetEnabled(db database.Queryable, id uuid.UUID, enabled bool) error {
	_, err := db.Exec(`UPDATE sources SET enabled=$2 WHERE id=$1`, id, enabled)
	return err
}
