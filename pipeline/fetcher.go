package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/logger"
	"github.com/teranos/mspsync/pulse/schedule"
	"github.com/teranos/mspsync/store"
)

// JobLifecycle is the scheduler surface a fetcher reports to
type JobLifecycle interface {
	CompleteJob(ctx context.Context, job *schedule.Job, ds *store.DataSource, action string) error
	FailJob(ctx context.Context, job *schedule.Job, cause error) error
	ScheduleNextBatch(ctx context.Context, current *schedule.Job, cursor, syncID string, batchNumber, totalProcessed int) (*schedule.Job, error)
}

// DataSourceReader loads data sources
type DataSourceReader interface {
	Get(ctx context.Context, id string) (*store.DataSource, error)
}

// Fetcher consumes dispatched jobs for one integration, fetches one page per
// job and publishes it on fetched.<type>. A page with more behind it turns
// into a continuation job; the last page completes the sync.
type Fetcher struct {
	slug      string
	connector Connector
	sources   DataSourceReader
	jobs      JobLifecycle
	bus       bus.Bus
	owner     Owner
	logger    *zap.SugaredLogger
	subs      []bus.Subscription
}

// NewFetcher creates the fetcher for the integration with slug
func NewFetcher(slug string, connector Connector, sources DataSourceReader, jobs JobLifecycle, b bus.Bus, owner Owner, log *zap.SugaredLogger) *Fetcher {
	return &Fetcher{
		slug:      slug,
		connector: connector,
		sources:   sources,
		jobs:      jobs,
		bus:       b,
		owner:     ownerOrAll(owner),
		logger:    loggerOrNop(log).With(logger.FieldStage, "fetch", logger.FieldIntegration, slug),
	}
}

// Start subscribes to <slug>.sync.*
func (f *Fetcher) Start() error {
	subs, err := subscribeAll(f.bus, []string{bus.SyncPattern(f.slug)}, guard("fetch", f.logger, f.handle))
	if err != nil {
		return errors.Wrapf(err, "fetcher %s failed to subscribe", f.slug)
	}
	f.subs = subs
	return nil
}

// Stop unsubscribes
func (f *Fetcher) Stop() {
	unsubscribeAll(f.subs)
	f.subs = nil
}

func (f *Fetcher) handle(ctx context.Context, msg *bus.Message) error {
	var dm schedule.DispatchMessage
	if err := bus.Decode(msg, &dm); err != nil {
		return err
	}
	if dm.Job == nil {
		return errors.NewInvalidRequestError("dispatch message %s has no job", dm.EventID)
	}
	if !f.owner.Owns(dm.Job.DataSourceID) {
		return nil
	}
	ctx = logger.WithJobID(ctx, dm.Job.ID)
	ctx = logger.WithTenantID(ctx, dm.Job.TenantID)
	return f.Fetch(ctx, dm.Job)
}

// Fetch runs one page of job. Failures are recorded on the job and returned.
func (f *Fetcher) Fetch(ctx context.Context, job *schedule.Job) error {
	if err := f.fetch(ctx, job); err != nil {
		if ferr := f.jobs.FailJob(ctx, job, err); ferr != nil {
			return errors.CombineErrors(err, ferr)
		}
		return err
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, job *schedule.Job) error {
	start := time.Now()

	entityType, err := schedule.EntityTypeFromAction(job.Action)
	if err != nil {
		return err
	}
	ds, err := f.sources.Get(ctx, job.DataSourceID)
	if err != nil {
		return err
	}

	syncID, batchNumber, cursor, total := uuid.NewString(), 1, "", 0
	if p := job.Payload; p != nil {
		if p.SyncID != "" {
			syncID = p.SyncID
		}
		if p.BatchNumber > 0 {
			batchNumber = p.BatchNumber
		}
		cursor, total = p.Cursor, p.TotalProcessed
	}
	ctx = logger.WithSyncID(ctx, syncID)
	log := logger.LoggerFromContext(ctx, f.logger)

	page, err := f.connector.Fetch(ctx, FetchRequest{
		TenantID:     job.TenantID,
		DataSourceID: job.DataSourceID,
		EntityType:   entityType,
		Cursor:       cursor,
		Config:       ds.Config,
	})
	if err != nil {
		return errors.Wrapf(err, "connector fetch of %s batch %d", entityType, batchNumber)
	}
	if page.HasMore && page.Cursor == "" {
		return errors.NewInvalidRequestError("connector reported more %s without a cursor", entityType)
	}

	event := &FetchedEventPayload{
		Scope: Scope{
			TenantID:      job.TenantID,
			IntegrationID: job.IntegrationID,
			DataSourceID:  job.DataSourceID,
			EntityType:    entityType,
		},
		EventID: uuid.NewString(),
		JobID:   job.ID,
		Records: page.Data,
		SyncMetadata: SyncMetadata{
			SyncID:       syncID,
			BatchNumber:  batchNumber,
			IsFinalBatch: !page.HasMore,
			Cursor:       page.Cursor,
		},
	}
	if event.Records == nil {
		event.Records = []RawRecord{}
	}
	if err := f.bus.Publish(ctx, bus.FetchedTopic(entityType), event); err != nil {
		return errors.Wrap(err, "failed to publish fetched batch")
	}
	total += len(page.Data)

	log.Infow("Fetched batch",
		logger.FieldEntityType, entityType,
		logger.FieldBatchNumber, batchNumber,
		logger.FieldFinalBatch, !page.HasMore,
		logger.FieldBatchSize, len(page.Data),
		"total_processed", total,
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	if page.HasMore {
		if _, err := f.jobs.ScheduleNextBatch(ctx, job, page.Cursor, syncID, batchNumber+1, total); err != nil {
			return err
		}
		return f.jobs.CompleteJob(ctx, job, nil, "")
	}
	return f.jobs.CompleteJob(ctx, job, ds, job.Action)
}
