// Package liveness revisits previously ingested origin URLs and retires
// artifacts whose upstream resource no longer resolves. Probes are
// deliberately fail-closed: an ambiguous network error counts as gone.
package liveness

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grabbitd/grabbit/internal/artifact"
	"github.com/grabbitd/grabbit/internal/database"
	"github.com/grabbitd/grabbit/internal/event"
	"github.com/grabbitd/grabbit/internal/index"
	"github.com/grabbitd/grabbit/pkg/logger"
	"github.com/grabbitd/grabbit/pkg/worker"
	"github.com/jmoiron/sqlx"
)

var log = logger.Get("Liveness")

type (
	Config struct {
		ProbeTimeout time.Duration `yaml:"probe_timeout" env:"LIVENESS_PROBE_TIMEOUT" env-default:"10s"`
		Workers      int           `yaml:"workers" env:"LIVENESS_WORKERS" env-default:"4"`
	}

	// Report summarises one liveness sweep.
	Report struct {
		Probed        int
		MarkedDeleted int
	}

	Service struct {
		config    Config
		db        database.Manager
		client    *http.Client
		links     *index.Store
		artifacts *artifact.Store
		eventBus  event.EventDispatcher
	}
)

func New(config Config, db database.Manager, links *index.Store, artifacts *artifact.Store,
	eventBus event.EventDispatcher,
) *Service {
	return &Service{
		config:    config,
		db:        db,
		client:    &http.Client{Timeout: config.ProbeTimeout},
		links:     links,
		artifacts: artifacts,
		eventBus:  eventBus,
	}
}

// CheckDeleted probes every linked origin URL of the non-deleted artifacts,
// optionally scoped to one subreddit (empty means all), and soft-deletes the
// artifacts whose origins are judged gone. The local files and index rows are
// left untouched.
func (service *Service) CheckDeleted(ctx context.Context, subreddit string) (*Report, error) {
	origins, err := service.links.ListActiveOrigins(service.db.GetSqlxDb(), subreddit)
	if err != nil {
		return nil, err
	}

	jobs := make(chan *index.Origin, len(origins))
	for _, origin := range origins {
		jobs <- origin
	}
	close(jobs)

	var mu sync.Mutex
	dead := make(map[uuid.UUID]string)

	pool := worker.NewWorkerPool()
	for i := 0; i < service.config.Workers; i++ {
		pool.PushWorker(worker.NewWorker(fmt.Sprintf("LivenessProbe:%d", i), func(w worker.Worker) (bool, error) {
			origin, ok := <-jobs
			if !ok {
				return false, nil
			}

			if !service.probe(ctx, origin.OriginURL) {
				mu.Lock()
				dead[origin.ArtifactID] = origin.Filename
				mu.Unlock()
			}

			return true, nil
		}))
	}

	if err := pool.Start(); err != nil {
		return nil, err
	}
	pool.Close()

	report := &Report{Probed: len(origins)}
	if len(dead) == 0 {
		log.Emit(logger.INFO, "Probed %d origins, all alive\n", report.Probed)
		return report, nil
	}

	if err := service.db.WrapTx(func(tx *sqlx.Tx) error {
		for id, filename := range dead {
			if err := service.artifacts.SetDeleted(tx, id); err != nil {
				return err
			}

			log.Emit(logger.REMOVE, "Marked %s as deleted, origin no longer resolves\n", filename)
		}

		return nil
	}); err != nil {
		return nil, err
	}

	for id := range dead {
		service.eventBus.Dispatch(event.ARTIFACT_DELETED, id)
	}
	service.eventBus.Dispatch(event.LIVENESS_COMPLETE, nil)

	report.MarkedDeleted = len(dead)
	log.Emit(logger.INFO, "Probed %d origins, %d marked deleted\n", report.Probed, report.MarkedDeleted)
	return report, nil
}

// probe reports whether the origin still resolves. A 404, and any transport
// failure or timeout, count as gone.
func (service *Service) probe(ctx context.Context, originURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, originURL, nil)
	if err != nil {
		return false
	}

	resp, err := service.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode != http.StatusNotFound
}
