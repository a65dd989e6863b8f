package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/grabbitd/grabbit/internal/artifact"
	"github.com/grabbitd/grabbit/internal/convert"
	"github.com/grabbitd/grabbit/internal/database"
	"github.com/grabbitd/grabbit/internal/event"
	"github.com/grabbitd/grabbit/internal/fetch"
	"github.com/grabbitd/grabbit/internal/index"
	"github.com/grabbitd/grabbit/internal/ingest"
	"github.com/grabbitd/grabbit/internal/listing"
	"github.com/grabbitd/grabbit/internal/liveness"
	"github.com/grabbitd/grabbit/internal/post"
	"github.com/grabbitd/grabbit/internal/scheduler"
	"github.com/grabbitd/grabbit/pkg/logger"
)

var log = logger.Get("Core")

var ErrNoListingClient = errors.New("no listing client is configured")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// fingerprintLookup binds the artifact store to the shared connection so
	// the artifact writer can consult the fingerprint index without owning a
	// database handle.
	fingerprintLookup struct {
		db        database.Manager
		artifacts *artifact.Store
	}
)

func (lookup *fingerprintLookup) GetByFingerprint(fingerprint string) (*artifact.Artifact, error) {
	return lookup.artifacts.GetByFingerprint(lookup.db.GetSqlxDb(), fingerprint)
}

// grabbitImpl is the top-level object wiring stores, services and the event
// bus together. The same instance backs both the long-running loop and the
// one-shot CLI operations.
type grabbitImpl struct {
	config   GrabbitConfig
	eventBus event.EventCoordinator
	db       database.Manager
	lister   listing.Lister

	postStore     *post.Store
	artifactStore *artifact.Store
	linkStore     *index.Store
	sourceStore   *scheduler.Store

	ingestService    *ingest.Service
	schedulerService *scheduler.Service
	livenessService  *liveness.Service
	activityService  *activityService
}

// New assembles Grabbit from its configuration. The lister is the upstream
// API client; it may be nil, in which case only the operations that do not
// require listing (explicit URLs, liveness checks, purges) are available.
func New(config GrabbitConfig, lister listing.Lister) *grabbitImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Grabbit services\n")

	grabbit := &grabbitImpl{
		config:   config,
		eventBus: event.New(),
		db:       database.New(),
		lister:   lister,

		postStore:     post.NewStore(),
		artifactStore: artifact.NewStore(),
		linkStore:     index.NewStore(),
		sourceStore:   scheduler.NewStore(),
	}

	converter := convert.New(config.Convert)
	writer := fetch.NewWriter(config.Fetch, converter, &fingerprintLookup{grabbit.db, grabbit.artifactStore})

	grabbit.ingestService = ingest.New(grabbit.db, writer, grabbit.eventBus,
		grabbit.postStore, grabbit.artifactStore, grabbit.linkStore)
	grabbit.schedulerService = scheduler.New(config.Scheduler, grabbit.db, lister,
		grabbit.ingestService, grabbit.sourceStore, grabbit.eventBus)
	grabbit.livenessService = liveness.New(config.Liveness, grabbit.db,
		grabbit.linkStore, grabbit.artifactStore, grabbit.eventBus)
	grabbit.activityService = newActivityService(grabbit.eventBus)

	return grabbit
}

// Connect establishes the pooled database connection and runs migrations.
// Must be called before any other operation.
func (grabbit *grabbitImpl) Connect() error {
	log.Emit(logger.NEW, "Connecting to database...\n")
	return grabbit.db.Connect(grabbit.config.Database)
}

// Run starts the long-running services (activity logger and the scheduler
// polling loop) and blocks until the context is cancelled or a service
// crashes.
func (grabbit *grabbitImpl) Run(parent context.Context) error {
	if grabbit.lister == nil {
		return ErrNoListingClient
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	wg := &sync.WaitGroup{}
	grabbit.spawnAsyncService(ctx, wg, grabbit.activityService, "activity-service", crashHandler)
	grabbit.spawnAsyncService(ctx, wg, grabbit.schedulerService, "scheduler-service", crashHandler)
	log.Emit(logger.SUCCESS, "Grabbit services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided service as its own goroutine,
// ensuring the service waitgroup is updated correctly.
func (grabbit *grabbitImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}

// IngestURLs ingests explicit origin URLs without any post context.
func (grabbit *grabbitImpl) IngestURLs(ctx context.Context, urls []string) *ingest.BatchResult {
	return grabbit.ingestService.IngestURLs(ctx, urls)
}

// IngestSource polls a single named source once, creating its schedule entry
// if it is not yet tracked.
func (grabbit *grabbitImpl) IngestSource(ctx context.Context, sourceType listing.SourceType, name string) (int, error) {
	if grabbit.lister == nil {
		return 0, ErrNoListingClient
	}

	db := grabbit.db.GetSqlxDb()
	source, err := grabbit.sourceStore.Get(db, sourceType, name)
	if errors.Is(err, scheduler.ErrSourceNotFound) {
		source = &scheduler.Source{SourceType: sourceType, Name: name, Enabled: true}
		if err := grabbit.sourceStore.Save(db, source); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	return grabbit.schedulerService.PollSource(ctx, source)
}

// RunSchedulerPass polls every eligible source exactly once.
func (grabbit *grabbitImpl) RunSchedulerPass(ctx context.Context) (*scheduler.PassSummary, error) {
	if grabbit.lister == nil {
		return nil, ErrNoListingClient
	}

	return grabbit.schedulerService.RunPass(ctx)
}

// CheckDeleted runs a liveness sweep, optionally scoped to one subreddit.
func (grabbit *grabbitImpl) CheckDeleted(ctx context.Context, subreddit string) (*liveness.Report, error) {
	return grabbit.livenessService.CheckDeleted(ctx, subreddit)
}

// Purge administratively removes a post, its links, and any orphaned
// artifacts.
func (grabbit *grabbitImpl) Purge(ctx context.Context, postID uuid.UUID) error {
	return grabbit.ingestService.Purge(ctx, postID)
}
