// Package index owns the Post↔Artifact association. Links are only ever
// created by the ingestion orchestrator, once both sides exist.
package index

import (
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/grabbitd/grabbit/internal/database"
)

type (
	// Link records that a post referenced an artifact via a specific origin
	// URL. The (post, artifact) pair is unique; the same post may link many
	// artifacts (gallery) and the same artifact many posts (dedup).
	Link struct {
		ID         uuid.UUID `db:"id"`
		PostID     uuid.UUID `db:"post_id"`
		ArtifactID uuid.UUID `db:"artifact_id"`
		OriginURL  string    `db:"origin_url"`
	}

	// Origin pairs an artifact with one of the URLs it was fetched from,
	// for liveness probing.
	Origin struct {
		ArtifactID uuid.UUID `db:"artifact_id"`
		OriginURL  string    `db:"origin_url"`
		Filename   string    `db:"filename"`
	}

	Store struct{}
)

func NewStore() *Store { return &Store{} }

// InsertIfAbsent records the link, silently doing nothing if the (post,
// artifact) pair is already linked. Re-ingesting a known pair must never
// duplicate the row.
func (store *Store) InsertIfAbsent(db database.Queryable, link *Link) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}

	_, err := db.Exec(`
		INSERT INTO post_artifacts(id, post_id, artifact_id, origin_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT(post_id, artifact_id) DO NOTHING
	`, link.ID, link.PostID, link.ArtifactID, link.OriginURL)
	if err != nil {
		return fmt.Errorf("failed to insert link: %w", err)
	}

	return nil
}

func (store *Store) GetForPost(db database.Queryable, postID uuid.UUID) ([]*Link, error) {
	return store.listWhere(db, squirrel.Eq{"post_id": postID})
}

func (store *Store) GetForArtifact(db database.Queryable, artifactID uuid.UUID) ([]*Link, error) {
	return store.listWhere(db, squirrel.Eq{"artifact_id": artifactID})
}

func (store *Store) listWhere(db database.Queryable, pred any) ([]*Link, error) {
	query, args, err := squirrel.
		Select("*").From("post_artifacts").Where(pred).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select links query: %w", err)
	}

	var results []*Link
	if err := db.Select(&results, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select links: %w", err)
	}

	return results, nil
}

// ListActiveOrigins returns one row per link whose artifact is not
// soft-deleted, optionally scoped to posts from one subreddit. Empty
// subreddit means all.
func (store *Store) ListActiveOrigins(db database.Queryable, subreddit string) ([]*Origin, error) {
	builder := squirrel.
		Select("post_artifacts.artifact_id", "post_artifacts.origin_url", "artifacts.filename").
		From("post_artifacts").
		Join("artifacts ON artifacts.id = post_artifacts.artifact_id").
		Join("posts ON posts.id = post_artifacts.post_id").
		Where(squirrel.Eq{"artifacts.is_deleted": false}).
		PlaceholderFormat(squirrel.Dollar)
	if subreddit != "" {
		builder = builder.Where(squirrel.Eq{"posts.subreddit": subreddit})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select origins query: %w", err)
	}

	var results []*Origin
	if err := db.Select(&results, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select origins: %w", err)
	}

	return results, nil
}

// PurgePost removes a post and every link it owns, deleting each referenced
// artifact row only when no other post still links it. Returns the file paths
// of the artifacts removed so the caller can clean the disk up after the
// transaction commits.
func (store *Store) PurgePost(db database.Queryable, postID uuid.UUID) ([]string, error) {
	links, err := store.GetForPost(db, postID)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`DELETE FROM post_artifacts WHERE post_id=$1`, postID); err != nil {
		return nil, fmt.Errorf("failed to delete links for post %s: %w", postID, err)
	}

	var orphanedFiles []string
	for _, link := range links {
		var remaining int
		if err := db.Get(&remaining, `SELECT COUNT(*) FROM post_artifacts WHERE artifact_id=$1`, link.ArtifactID); err != nil {
			return nil, fmt.Errorf("failed to count links for artifact %s: %w", link.ArtifactID, err)
		}
		if remaining > 0 {
			continue
		}

		var filePath string
		if err := db.Get(&filePath, `SELECT file_path FROM artifacts WHERE id=$1`, link.ArtifactID); err != nil {
			return nil, fmt.Errorf("failed to find orphaned artifact %s: %w", link.ArtifactID, err)
		}
		if _, err := db.Exec(`DELETE FROM artifacts WHERE id=$1`, link.ArtifactID); err != nil {
			return nil, fmt.Errorf("failed to delete orphaned artifact %s: %w", link.ArtifactID, err)
		}

		orphanedFiles = append(orphanedFiles, filePath)
	}

	if _, err := db.Exec(`DELETE FROM posts WHERE id=$1`, postID); err != nil {
		return nil, fmt.Errorf("failed to delete post %s: %w", postID, err)
	}

	return orphanedFiles, nil
}
