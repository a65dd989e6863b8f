package post

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/grabbitd/grabbit/internal/database"
)

var ErrPostNotFound = errors.New("post does not exist")

// externalIDPattern extracts the upstream's opaque post id from a permalink.
var externalIDPattern = regexp.MustCompile(`/comments/([a-z0-9]+)/`)

type (
	// Comment is one entry in a post's comment snapshot. Removed is an explicit
	// flag for comments that disappeared from a later fetch, rather than a
	// marker embedded in the body text.
	Comment struct {
		Author  string `json:"author"`
		Body    string `json:"body"`
		Score   int    `json:"score"`
		Removed bool   `json:"removed"`
	}

	postBase struct {
		ID         uuid.UUID  `db:"id"`
		ExternalID *string    `db:"external_id"`
		Title      string     `db:"title"`
		Author     string     `db:"author"`
		Subreddit  string     `db:"subreddit"`
		Permalink  *string    `db:"permalink"`
		CreatedAt  *time.Time `db:"created_at"`
		Score      int        `db:"score"`
	}

	// postModel is the posts table row, with the comment snapshot held in a
	// JsonColumn container. Kept separate from the public Post type so the
	// storage representation can change without breaking callers.
	postModel struct {
		postBase
		Comments database.JsonColumn[[]Comment] `db:"comments"`
	}

	// Post is the external/public API for the source post model.
	Post struct {
		postBase
		Comments []Comment
	}

	Store struct{}
)

func NewStore() *Store { return &Store{} }

// ExternalIDFromPermalink extracts the opaque upstream id embedded in a
// permalink, returning nil when the permalink does not carry one.
func ExternalIDFromPermalink(permalink string) *string {
	match := externalIDPattern.FindStringSubmatch(permalink)
	if match == nil {
		return nil
	}

	return &match[1]
}

// Save upserts a post. Posts with a permalink conflict on it and refresh their
// mutable fields (score, comment snapshot); posts without one are plain inserts.
// The post's ID is populated with the row's id, which for a conflicting upsert
// is the id of the already-stored row.
func (store *Store) Save(db database.Queryable, p *Post) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Permalink != nil && p.ExternalID == nil {
		p.ExternalID = ExternalIDFromPermalink(*p.Permalink)
	}

	comments, err := database.NewJsonColumn(&p.Comments).Value()
	if err != nil {
		return fmt.Errorf("failed to encode comment snapshot: %w", err)
	}

	var id uuid.UUID
	if err := db.QueryRowx(`
		INSERT INTO posts(id, external_id, title, author, subreddit, permalink, created_at, score, comments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(permalink) DO UPDATE
			SET score=EXCLUDED.score, comments=EXCLUDED.comments
		RETURNING id
	`, p.ID, p.ExternalID, p.Title, p.Author, p.Subreddit, p.Permalink, p.CreatedAt, p.Score, comments).Scan(&id); err != nil {
		return fmt.Errorf("failed to save post: %w", err)
	}

	p.ID = id
	return nil
}

// IsPermalinkKnown reports whether a post with this permalink has already been
// ingested. Used as the orchestrator's skip check before any fetching happens.
func (store *Store) IsPermalinkKnown(db database.Queryable, permalink string) (bool, error) {
	var known bool
	if err := db.Get(&known, `SELECT EXISTS(SELECT 1 FROM posts WHERE permalink=$1)`, permalink); err != nil {
		return false, fmt.Errorf("failed to check permalink: %w", err)
	}

	return known, nil
}

func (store *Store) GetByPermalink(db database.Queryable, permalink string) (*Post, error) {
	return store.getWhere(db, squirrel.Eq{"permalink": permalink})
}

func (store *Store) GetByID(db database.Queryable, id uuid.UUID) (*Post, error) {
	return store.getWhere(db, squirrel.Eq{"id": id})
}

func (store *Store) getWhere(db database.Queryable, pred any) (*Post, error) {
	query, args, err := squirrel.
		Select("*").From("posts").Where(pred).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select post query: %w", err)
	}

	var model postModel
	if err := db.Get(&model, query, args...); err != nil {
		return nil, ErrPostNotFound
	}

	return postModelToPost(&model), nil
}

// Delete removes a post row. Only the purge cascade should call this; links
// referencing the post must be removed first.
func (store *Store) Delete(db database.Queryable, id uuid.UUID) error {
	_, err := db.Exec(`DELETE FROM posts WHERE id=$1`, id)
	return err
}

func postModelToPost(model *postModel) *Post {
	return &Post{
		postBase: model.postBase,
		Comments: *model.Comments.Get(),
	}
}
