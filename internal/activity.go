package internal

import (
	"context"

	"github.com/google/uuid"
	"github.com/grabbitd/grabbit/internal/event"
	"github.com/grabbitd/grabbit/pkg/logger"
)

var activityLog = logger.Get("Activity")

// activityService consumes the event bus and surfaces per-item activity as
// log output, keeping the ingestion/liveness paths free of presentation
// concerns.
type activityService struct {
	eventBus event.EventHandler
}

func newActivityService(eventBus event.EventHandler) *activityService {
	return &activityService{eventBus: eventBus}
}

func (service *activityService) Run(ctx context.Context) error {
	messageChan := make(chan event.HandlerEvent, 100)
	service.eventBus.RegisterHandlerChannel(messageChan,
		event.INGEST_UPDATE, event.INGEST_COMPLETE,
		event.ARTIFACT_STORED, event.ARTIFACT_DELETED, event.ARTIFACT_RESTORED,
		event.SOURCE_POLLED, event.SOURCE_BACKOFF, event.LIVENESS_COMPLETE)

	activityLog.Emit(logger.NEW, "Activity service started\n")
	for {
		select {
		case ev := <-messageChan:
			service.handleEvent(ev)
		case <-ctx.Done():
			activityLog.Emit(logger.STOP, "Activity service closed\n")
			return nil
		}
	}
}

func (service *activityService) handleEvent(ev event.HandlerEvent) {
	resourceID, _ := ev.Payload.(uuid.UUID)

	switch ev.Event {
	case event.ARTIFACT_STORED:
		activityLog.Emit(logger.VERBOSE, "Artifact %s stored\n", resourceID)
	case event.ARTIFACT_RESTORED:
		activityLog.Emit(logger.INFO, "Artifact %s restored\n", resourceID)
	case event.ARTIFACT_DELETED:
		activityLog.Emit(logger.INFO, "Artifact %s marked deleted\n", resourceID)
	case event.SOURCE_BACKOFF:
		activityLog.Emit(logger.INFO, "Source %s entered backoff\n", resourceID)
	case event.SOURCE_POLLED:
		activityLog.Emit(logger.VERBOSE, "Source %s yielded new content\n", resourceID)
	case event.INGEST_COMPLETE:
		activityLog.Emit(logger.VERBOSE, "Ingest batch %s complete\n", resourceID)
	case event.LIVENESS_COMPLETE:
		activityLog.Emit(logger.INFO, "Liveness sweep complete\n")
	default:
		activityLog.Emit(logger.VERBOSE, "Unhandled event %v\n", ev.Event)
	}
}
