package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/logger"
	"github.com/teranos/mspsync/store"
)

// CleanupAnalysis is the analysis name of the cleanup worker
const CleanupAnalysis = "cleanup"

// EntitySweeper is the slice of the entity store cleanup needs
type EntitySweeper interface {
	ListLive(ctx context.Context, dataSourceID, entityType string) ([]*store.Entity, error)
	SoftDelete(ctx context.Context, id string, at time.Time) (bool, error)
}

// Cleanup soft-deletes every live entity a completed sync did not observe.
// Run it through a Worker: it needs full context so it only sees final batches.
type Cleanup struct {
	entityTypes []string
	entities    EntitySweeper
	logger      *zap.SugaredLogger
	now         func() time.Time
}

// NewCleanup creates the cleanup analyzer for entityTypes
func NewCleanup(entityTypes []string, entities EntitySweeper, log *zap.SugaredLogger) *Cleanup {
	return &Cleanup{
		entityTypes: entityTypes,
		entities:    entities,
		logger:      loggerOrNop(log).With(logger.FieldStage, CleanupAnalysis),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// NewCleanupWorker wires a Cleanup into a Worker
func NewCleanupWorker(entityTypes []string, entities EntitySweeper, b bus.Bus, owner Owner, cfg WorkerConfig, log *zap.SugaredLogger) *Worker {
	return NewWorker(NewCleanup(entityTypes, entities, log), b, owner, cfg, log)
}

func (c *Cleanup) Name() string              { return CleanupAnalysis }
func (c *Cleanup) Dependencies() []string    { return c.entityTypes }
func (c *Cleanup) RequiresFullContext() bool { return true }

// BufferKey separates entity types of one data source; each is swept on its own
func (c *Cleanup) BufferKey(event *LinkedEventPayload) string {
	return event.DataSourceID + "|" + event.EntityType
}

// Execute sweeps the event's (data source, entity type). Per-entity failures
// are logged and the sweep continues; it never produces findings.
func (c *Cleanup) Execute(ctx context.Context, event *LinkedEventPayload) ([]Finding, error) {
	syncID := event.SyncMetadata.SyncID
	log := c.logger.With(
		logger.FieldTenantID, event.TenantID,
		logger.FieldDataSourceID, event.DataSourceID,
		logger.FieldEntityType, event.EntityType,
		logger.FieldSyncID, syncID)

	if syncID == "" {
		log.Warnw("Skipping cleanup without sync id")
		return nil, nil
	}

	live, err := c.entities.ListLive(ctx, event.DataSourceID, event.EntityType)
	if err != nil {
		return nil, errors.Wrapf(err, "cleanup: failed to list %s for data source %s", event.EntityType, event.DataSourceID)
	}

	at := c.now()
	deleted := 0
	var errs error
	for _, e := range live {
		if e.SyncID == syncID {
			continue
		}
		ok, err := c.entities.SoftDelete(ctx, e.ID, at)
		if err != nil {
			log.Warnw("Failed to soft-delete entity", logger.FieldEntityID, e.ID, logger.FieldError, err)
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if ok {
			deleted++
		}
	}

	log.Infow("Cleanup complete",
		"live", len(live),
		logger.FieldDeleted, deleted)
	return nil, errs
}
