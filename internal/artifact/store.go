package artifact

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/grabbitd/grabbit/internal/database"
)

var ErrArtifactNotFound = errors.New("artifact does not exist")

type (
	// Artifact is one physical stored file. Fingerprint is the hex MD5 of the
	// file bytes and is unique: identical uploads resolve to the same row.
	Artifact struct {
		ID           uuid.UUID `db:"id"`
		Fingerprint  string    `db:"fingerprint"`
		FilePath     string    `db:"file_path"`
		Filename     string    `db:"filename"`
		FileSize     int64     `db:"file_size"`
		DownloadedAt time.Time `db:"downloaded_at"`
		IsDeleted    bool      `db:"is_deleted"`
	}

	Store struct{}
)

func NewStore() *Store { return &Store{} }

// Save upserts an artifact keyed on its fingerprint. A conflicting save
// refreshes the stored path, filename and size (the repair path relies on
// this). The artifact's ID is populated with the stored row's id.
func (store *Store) Save(db database.Queryable, a *Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.DownloadedAt.IsZero() {
		a.DownloadedAt = time.Now()
	}

	var id uuid.UUID
	if err := db.QueryRowx(`
		INSERT INTO artifacts(id, fingerprint, file_path, filename, file_size, downloaded_at, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(fingerprint) DO UPDATE
			SET file_path=EXCLUDED.file_path, filename=EXCLUDED.filename, file_size=EXCLUDED.file_size
		RETURNING id
	`, a.ID, a.Fingerprint, a.FilePath, a.Filename, a.FileSize, a.DownloadedAt, a.IsDeleted).Scan(&id); err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}

	a.ID = id
	return nil
}

func (store *Store) GetByFingerprint(db database.Queryable, fingerprint string) (*Artifact, error) {
	return store.getWhere(db, squirrel.Eq{"fingerprint": fingerprint})
}

func (store *Store) GetByID(db database.Queryable, id uuid.UUID) (*Artifact, error) {
	return store.getWhere(db, squirrel.Eq{"id": id})
}

// GetByOriginURL finds the artifact a previous ingest recorded for this exact
// origin URL, joining through the post links. Returns ErrArtifactNotFound when
// the URL has never been ingested.
func (store *Store) GetByOriginURL(db database.Queryable, originURL string) (*Artifact, error) {
	query, args, err := squirrel.
		Select("artifacts.*").From("artifacts").
		Join("post_artifacts ON post_artifacts.artifact_id = artifacts.id").
		Where(squirrel.Eq{"post_artifacts.origin_url": originURL}).
		Limit(1).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select artifact query: %w", err)
	}

	var result Artifact
	if err := db.Get(&result, query, args...); err != nil {
		return nil, ErrArtifactNotFound
	}

	return &result, nil
}

func (store *Store) getWhere(db database.Queryable, pred any) (*Artifact, error) {
	query, args, err := squirrel.
		Select("*").From("artifacts").Where(pred).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select artifact query: %w", err)
	}

	var result Artifact
	if err := db.Get(&result, query, args...); err != nil {
		return nil, ErrArtifactNotFound
	}

	return &result, nil
}

// UpdatePath corrects the stored location of an artifact whose file was moved
// or re-downloaded to a different path.
func (store *Store) UpdatePath(db database.Queryable, id uuid.UUID, filePath string, filename string, fileSize int64) error {
	_, err := db.Exec(`UPDATE artifacts SET file_path=$2, filename=$3, file_size=$4 WHERE id=$1`, id, filePath, filename, fileSize)
	return err
}

func (store *Store) SetDeleted(db database.Queryable, id uuid.UUID) error {
	_, err := db.Exec(`UPDATE artifacts SET is_deleted=TRUE WHERE id=$1`, id)
	return err
}

func (store *Store) ClearDeleted(db database.Queryable, id uuid.UUID) error {
	_, err := db.Exec(`UPDATE artifacts SET is_deleted=FALSE WHERE id=$1`, id)
	return err
}

// Delete removes an artifact row. Only the purge cascade should call this,
// after verifying no links still reference the artifact.
func (store *Store) Delete(db database.Queryable, id uuid.UUID) error {
	_, err := db.Exec(`DELETE FROM artifacts WHERE id=$1`, id)
	return err
}
