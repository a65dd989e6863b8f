// Package ingest implements the orchestrator that turns listed posts into
// stored artifacts and index rows. It owns the skip/restore semantics and the
// transactional write of post, artifact and link.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/grabbitd/grabbit/internal/artifact"
	"github.com/grabbitd/grabbit/internal/database"
	"github.com/grabbitd/grabbit/internal/event"
	"github.com/grabbitd/grabbit/internal/fetch"
	"github.com/grabbitd/grabbit/internal/index"
	"github.com/grabbitd/grabbit/internal/listing"
	"github.com/grabbitd/grabbit/internal/post"
	"github.com/grabbitd/grabbit/internal/resolve"
	"github.com/grabbitd/grabbit/pkg/logger"
	"github.com/jmoiron/sqlx"
)

var log = logger.Get("Ingest")

// deletedMarker is the legacy filename tag some previously retired files
// carry. It is recognised during restore but never produced.
const deletedMarker = "_deleted"

type (
	// Fetcher is the artifact writer contract the orchestrator drives.
	Fetcher interface {
		Fetch(ctx context.Context, request fetch.Request) (*fetch.Result, error)
	}

	// BatchResult summarises one batch of candidate posts. Ingested counts
	// items whose content was stored or matched a known artifact; a pure
	// duplicate still counts, since it proves the source yields known-good
	// content.
	BatchResult struct {
		Ingested int
		Failed   int
		Skipped  int
	}

	Service struct {
		db        database.Manager
		fetcher   Fetcher
		eventBus  event.EventDispatcher
		posts     *post.Store
		artifacts *artifact.Store
		links     *index.Store
	}
)

func New(db database.Manager, fetcher Fetcher, eventBus event.EventDispatcher,
	posts *post.Store, artifacts *artifact.Store, links *index.Store,
) *Service {
	return &Service{
		db:        db,
		fetcher:   fetcher,
		eventBus:  eventBus,
		posts:     posts,
		artifacts: artifacts,
		links:     links,
	}
}

// IngestBatch runs the full pipeline over one poll's worth of posts.
// Cancellation is checked between posts, never mid-fetch.
func (service *Service) IngestBatch(ctx context.Context, posts []*listing.Post) (*BatchResult, error) {
	result := &BatchResult{}
	for _, p := range posts {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ingested, failed, err := service.IngestPost(ctx, p)
		if err != nil {
			log.Emit(logger.ERROR, "Failed to ingest post %s: %v\n", p.Permalink, err)
			result.Failed++
			continue
		}

		if ingested == 0 && failed == 0 {
			result.Skipped++
		}
		result.Ingested += ingested
		result.Failed += failed
	}

	service.eventBus.Dispatch(event.INGEST_COMPLETE, uuid.New())
	return result, nil
}

// IngestPost resolves one post's media and ingests each origin URL, returning
// how many items were stored/linked and how many failed. A post whose
// permalink is already indexed is skipped without any fetching; an error is
// only returned when the skip check itself cannot be answered.
func (service *Service) IngestPost(ctx context.Context, listed *listing.Post) (int, int, error) {
	if listed.Permalink != "" {
		known, err := service.posts.IsPermalinkKnown(service.db.GetSqlxDb(), listed.Permalink)
		if err != nil {
			return 0, 0, err
		}
		if known {
			log.Emit(logger.VERBOSE, "Skipping already-indexed post %s\n", listed.Permalink)
			return 0, 0, nil
		}
	}

	candidates := resolve.Resolve(listed)
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	ingested, failed := 0, 0
	for _, candidate := range candidates {
		if err := service.ingestCandidate(ctx, candidate.URL, listed); err != nil {
			log.Emit(logger.ERROR, "Failed to ingest %s: %v\n", candidate.URL, err)
			failed++
			continue
		}

		ingested++
	}

	return ingested, failed, nil
}

// IngestURLs ingests explicit origin URLs that arrive without any post
// context, recording a minimal post per URL.
func (service *Service) IngestURLs(ctx context.Context, urls []string) *BatchResult {
	result := &BatchResult{}
	for _, url := range urls {
		if ctx.Err() != nil {
			return result
		}

		if err := service.ingestCandidate(ctx, url, &listing.Post{Title: url}); err != nil {
			log.Emit(logger.ERROR, "Failed to ingest %s: %v\n", url, err)
			result.Failed++
			continue
		}

		result.Ingested++
	}

	return result
}

func (service *Service) ingestCandidate(ctx context.Context, originURL string, listed *listing.Post) error {
	db := service.db.GetSqlxDb()

	prior, err := service.artifacts.GetByOriginURL(db, originURL)
	if err != nil && !errors.Is(err, artifact.ErrArtifactNotFound) {
		return err
	}

	request := fetch.Request{
		OriginURL: originURL,
		Permalink: listed.Permalink,
		Subreddit: listed.Subreddit,
	}
	if prior != nil {
		request.PriorFilename = prior.Filename
	}

	result, err := service.fetcher.Fetch(ctx, request)
	if err != nil {
		return err
	}

	restored := false
	if prior != nil && prior.IsDeleted {
		if strings.Contains(result.Filename, deletedMarker) {
			cleanName := strings.ReplaceAll(result.Filename, deletedMarker, "")
			cleanPath := filepath.Join(filepath.Dir(result.FilePath), cleanName)
			if renameErr := os.Rename(result.FilePath, cleanPath); renameErr != nil {
				log.Emit(logger.WARNING, "Failed to rename restored file %s: %v\n", result.FilePath, renameErr)
			} else {
				result.FilePath = cleanPath
				result.Filename = cleanName
			}
		}

		restored = true
	}

	var storedArtifactID uuid.UUID
	if err := service.db.WrapTx(func(tx *sqlx.Tx) error {
		stored, txErr := service.storeArtifact(tx, result, restored)
		if txErr != nil {
			return txErr
		}
		storedArtifactID = stored.ID

		record := listedToPost(listed)
		if txErr := service.posts.Save(tx, record); txErr != nil {
			return txErr
		}

		return service.links.InsertIfAbsent(tx, &index.Link{
			PostID:     record.ID,
			ArtifactID: stored.ID,
			OriginURL:  originURL,
		})
	}); err != nil {
		return fmt.Errorf("failed to index %s: %w", originURL, err)
	}

	if restored {
		log.Emit(logger.SUCCESS, "Restored %s\n", result.Filename)
		service.eventBus.Dispatch(event.ARTIFACT_RESTORED, storedArtifactID)
	} else if result.Existing == nil {
		log.Emit(logger.SUCCESS, "Downloaded %s\n", result.Filename)
		service.eventBus.Dispatch(event.ARTIFACT_STORED, storedArtifactID)
	}

	return nil
}

// storeArtifact upserts the artifact row a fetch result maps onto: a novel
// fingerprint inserts, a duplicate reuses the existing row, a repair corrects
// the existing row's path. A restore clears the soft-deleted flag.
func (service *Service) storeArtifact(tx *sqlx.Tx, result *fetch.Result, restored bool) (*artifact.Artifact, error) {
	if result.Existing != nil {
		stored := result.Existing
		if result.Repaired || (restored && stored.FilePath != result.FilePath) {
			if err := service.artifacts.UpdatePath(tx, stored.ID, result.FilePath, result.Filename, result.FileSize); err != nil {
				return nil, err
			}
			stored.FilePath = result.FilePath
			stored.Filename = result.Filename
			stored.FileSize = result.FileSize
		}

		if restored || stored.IsDeleted {
			if err := service.artifacts.ClearDeleted(tx, stored.ID); err != nil {
				return nil, err
			}
			stored.IsDeleted = false
		}

		return stored, nil
	}

	stored := &artifact.Artifact{
		Fingerprint: result.Fingerprint,
		FilePath:    result.FilePath,
		Filename:    result.Filename,
		FileSize:    result.FileSize,
	}
	if err := service.artifacts.Save(tx, stored); err != nil {
		return nil, err
	}

	return stored, nil
}

// Purge administratively removes a post, its links, and any artifact rows left
// orphaned, deleting the orphaned artifacts' files from disk afterwards.
func (service *Service) Purge(ctx context.Context, postID uuid.UUID) error {
	var orphanedFiles []string
	if err := service.db.WrapTx(func(tx *sqlx.Tx) error {
		removed, err := service.links.PurgePost(tx, postID)
		if err != nil {
			return err
		}

		orphanedFiles = removed
		return nil
	}); err != nil {
		return err
	}

	for _, path := range orphanedFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Emit(logger.WARNING, "Failed to remove purged file %s: %v\n", path, err)
		}
	}

	return nil
}

func listedToPost(listed *listing.Post) *post.Post {
	record := &post.Post{Comments: commentsFromListing(listed.Comments)}
	record.Title = listed.Title
	record.Author = listed.Author
	record.Subreddit = listed.Subreddit
	record.Score = listed.Score
	if listed.Permalink != "" {
		permalink := listed.Permalink
		record.Permalink = &permalink
	}
	if !listed.CreatedAt.IsZero() {
		createdAt := listed.CreatedAt
		record.CreatedAt = &createdAt
	}

	return record
}

func commentsFromListing(comments []listing.Comment) []post.Comment {
	out := make([]post.Comment, len(comments))
	for i, c := range comments {
		out[i] = post.Comment{Author: c.Author, Body: c.Body, Score: c.Score}
	}

	return out
}
