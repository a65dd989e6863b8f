// Package scheduler decides which upstream sources to poll next and applies
// yield-based backoff to sources that have stopped producing new content.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grabbitd/grabbit/internal/database"
	"github.com/grabbitd/grabbit/internal/event"
	"github.com/grabbitd/grabbit/internal/ingest"
	"github.com/grabbitd/grabbit/internal/listing"
	"github.com/grabbitd/grabbit/pkg/logger"
)

var log = logger.Get("Scheduler")

type (
	Config struct {
		BackoffThreshold  int           `yaml:"backoff_threshold" env:"BACKOFF_THRESHOLD" env-default:"3"`
		PollInterval      time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" env-default:"5m"`
		MaxPostsPerSource int           `yaml:"max_posts_per_source" env:"MAX_POSTS_PER_SOURCE" env-default:"25"`
	}

	// Ingester is the slice of the ingest service the scheduler drives.
	Ingester interface {
		IngestBatch(ctx context.Context, posts []*listing.Post) (*ingest.BatchResult, error)
	}

	// PassSummary reports one full pass over the eligible sources.
	PassSummary struct {
		Polled    int
		Ingested  int
		Failed    int
		Forbidden []string
		BackedOff []string
	}

	Service struct {
		config   Config
		db       database.Manager
		lister   listing.Lister
		ingester Ingester
		sources  *Store
		eventBus event.EventDispatcher
	}
)

func New(config Config, db database.Manager, lister listing.Lister, ingester Ingester,
	sources *Store, eventBus event.EventDispatcher,
) *Service {
	return &Service{
		config:   config,
		db:       db,
		lister:   lister,
		ingester: ingester,
		sources:  sources,
		eventBus: eventBus,
	}
}

// PollSource lists and ingests one source, updating its polling state. The
// returned count is the number of ingested items. An access-forbidden source
// still gets its last-polled stamp (so it is not retried immediately) but its
// zero-result counter is left untouched; the error is surfaced to the caller.
func (service *Service) PollSource(ctx context.Context, source *Source) (int, error) {
	db := service.db.GetSqlxDb()

	posts, err := service.lister.ListPosts(ctx, source.SourceType, source.Name, service.config.MaxPostsPerSource)
	if err != nil {
		if stampErr := service.sources.StampPolled(db, source.ID); stampErr != nil {
			log.Emit(logger.WARNING, "Failed to stamp poll time for %s: %v\n", source.Name, stampErr)
		}

		if errors.Is(err, listing.ErrForbidden) {
			return 0, fmt.Errorf("source %s: %w", source.Name, listing.ErrForbidden)
		}
		return 0, fmt.Errorf("failed to list source %s: %w", source.Name, err)
	}

	result, err := service.ingester.IngestBatch(ctx, posts)
	if err != nil {
		if result == nil {
			return 0, err
		}
		return result.Ingested, err
	}

	if stampErr := service.sources.StampPolled(db, source.ID); stampErr != nil {
		log.Emit(logger.WARNING, "Failed to stamp poll time for %s: %v\n", source.Name, stampErr)
	}

	if result.Ingested > 0 {
		if resetErr := service.sources.ResetZeroResults(db, source.ID); resetErr != nil {
			return result.Ingested, resetErr
		}

		service.eventBus.Dispatch(event.SOURCE_POLLED, source.ID)
		return result.Ingested, nil
	}

	count, err := service.sources.IncrementZeroResults(db, source.ID)
	if err != nil {
		return 0, err
	}
	if count >= service.config.BackoffThreshold {
		log.Emit(logger.WARNING, "Source %s backed off after %d empty polls\n", source.Name, count)
		service.eventBus.Dispatch(event.SOURCE_BACKOFF, source.ID)
	}

	return 0, nil
}

// RunPass polls every currently eligible source once, in selection order.
// Cancellation is checked between sources.
func (service *Service) RunPass(ctx context.Context) (*PassSummary, error) {
	db := service.db.GetSqlxDb()

	eligible, err := service.sources.ListEligible(db, service.config.BackoffThreshold)
	if err != nil {
		return nil, err
	}

	summary := &PassSummary{}
	for _, source := range eligible {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		ingested, err := service.PollSource(ctx, source)
		summary.Polled++
		summary.Ingested += ingested

		switch {
		case errors.Is(err, listing.ErrForbidden):
			log.Emit(logger.WARNING, "Access to source %s is forbidden, excluding from pass\n", source.Name)
			summary.Forbidden = append(summary.Forbidden, source.Name)
		case err != nil:
			log.Emit(logger.ERROR, "Failed to poll source %s: %v\n", source.Name, err)
			summary.Failed++
		}
	}

	backedOff, err := service.sources.ListBackedOff(db, service.config.BackoffThreshold)
	if err != nil {
		return summary, err
	}
	for _, source := range backedOff {
		summary.BackedOff = append(summary.BackedOff, source.Name)
	}

	log.Emit(logger.INFO, "Pass complete: %d sources polled, %d items ingested, %d forbidden, %d backed off\n",
		summary.Polled, summary.Ingested, len(summary.Forbidden), len(summary.BackedOff))
	return summary, nil
}

// Run loops RunPass at the configured interval until the context is cancelled.
func (service *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(service.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := service.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Emit(logger.ERROR, "Scheduler pass failed: %v\n", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
