package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/integration"
	"github.com/teranos/mspsync/logger"
	"github.com/teranos/mspsync/store"
)

// TenantLimits resolves a tenant's concurrent job ceiling (0 = unset)
type TenantLimits interface {
	ConcurrentJobLimit(ctx context.Context, tenantID string) (int, error)
}

// DataSources is the slice of the document store the scheduler needs
type DataSources interface {
	ListActive(ctx context.Context) ([]*store.DataSource, error)
	Get(ctx context.Context, id string) (*store.DataSource, error)
	SetMetadata(ctx context.Context, id, key, value string) error
}

// Descriptors resolves integration descriptors
type Descriptors interface {
	Get(id string) (*integration.Descriptor, error)
}

// Deps are the scheduler's collaborators
type Deps struct {
	Jobs        *Store
	Tenants     TenantLimits
	DataSources DataSources
	Descriptors Descriptors
	Bus         bus.Publisher
}

// Config tunes the scheduler
type Config struct {
	PollInterval              time.Duration
	DefaultConcurrentJobLimit int
	RetryBackoff              time.Duration
	DefaultAttemptsMax        int
	BatchPriorityBoost        int
	// RetryFailedJobs re-selects failed jobs whose backoff elapsed. Off by
	// default: failed jobs stay failed until an operator re-queues them.
	RetryFailedJobs bool
	// RunningTimeout is how long a job may stay running before it is treated
	// as orphaned and released.
	RunningTimeout time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:              60 * time.Second,
		DefaultConcurrentJobLimit: 5,
		RetryBackoff:              60 * time.Second,
		DefaultAttemptsMax:        3,
		BatchPriorityBoost:        10,
		RunningTimeout:            30 * time.Minute,
	}
}

// DispatchMessage is published on <slug>.sync.<entityType> for every dispatched job
type DispatchMessage struct {
	EventID string `json:"eventId"`
	Job     *Job   `json:"job"`
}

// PollResult summarises one poll pass
type PollResult struct {
	Recovered    int
	Due          int
	Dispatched   int
	AtLimit      int
	RateLimited  int
	FailedToSend int
}

// Scheduler dispatches due jobs and owns job lifecycle transitions.
// There is no in-memory queue: every pass starts from the job store.
type Scheduler struct {
	jobs        *Store
	tenants     TenantLimits
	sources     DataSources
	descriptors Descriptors
	bus         bus.Publisher
	cfg         Config
	logger      *zap.SugaredLogger
	now         func() time.Time

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	pollMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu     sync.Mutex
	lastPollAt  time.Time
	pollsRun    int64
	lastSummary PollResult
}

// NewScheduler creates a scheduler
func NewScheduler(deps Deps, cfg Config, log *zap.SugaredLogger) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DefaultConcurrentJobLimit <= 0 {
		cfg.DefaultConcurrentJobLimit = def.DefaultConcurrentJobLimit
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.DefaultAttemptsMax <= 0 {
		cfg.DefaultAttemptsMax = def.DefaultAttemptsMax
	}
	if cfg.RunningTimeout <= 0 {
		cfg.RunningTimeout = def.RunningTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:        deps.Jobs,
		tenants:     deps.Tenants,
		sources:     deps.DataSources,
		descriptors: deps.Descriptors,
		bus:         deps.Bus,
		cfg:         cfg,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
		limiters:    make(map[string]*rate.Limiter),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Bootstrap releases orphaned running jobs, then creates missing recurring
// jobs for every active data source. Safe to run on every start: a
// (data source, action) that already has a pending job, or whose rate window
// has not elapsed, is left alone.
func (s *Scheduler) Bootstrap(ctx context.Context) (int, error) {
	if _, err := s.RecoverStaleJobs(ctx); err != nil {
		return 0, errors.Wrap(err, "bootstrap")
	}

	sources, err := s.sources.ListActive(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "bootstrap: failed to list data sources")
	}

	now := s.now()
	created := 0
	for _, ds := range sources {
		desc, err := s.descriptors.Get(ds.IntegrationID)
		if err != nil {
			s.logger.Warnw("Bootstrap skipping data source without descriptor",
				logger.FieldDataSourceID, ds.ID,
				logger.FieldIntegration, ds.IntegrationID,
				logger.FieldError, err)
			continue
		}

		for _, tc := range desc.GlobalTypes() {
			action := SyncAction(tc.Type)
			nextAllowed := now
			if last, ok := ds.LastSyncAt(action); ok {
				nextAllowed = last.Add(tc.Rate())
			}
			if now.Before(nextAllowed) {
				continue
			}

			job := s.newJob(ds, action, tc.Priority, maxTime(now, nextAllowed))
			ok, err := s.jobs.CreateJobIfNoPending(ctx, job)
			if err != nil {
				return created, errors.Wrapf(err, "bootstrap: data source %s action %s", ds.ID, action)
			}
			if ok {
				created++
				s.logger.Infow("Bootstrapped sync job",
					logger.FieldJobID, job.ID,
					logger.FieldTenantID, ds.TenantID,
					logger.FieldDataSourceID, ds.ID,
					logger.FieldAction, action,
					logger.FieldPriority, tc.Priority)
			}
		}
	}

	s.logger.Infow("Bootstrap complete",
		"data_sources", len(sources),
		"jobs_created", created)
	return created, nil
}

// PollJobs runs one dispatch pass. Passes never overlap. A store error aborts
// the pass; the next pass starts again from persisted state.
func (s *Scheduler) PollJobs(ctx context.Context) (PollResult, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	var result PollResult
	now := s.now()

	recovered, err := s.recoverStale(ctx, now)
	if err != nil {
		return result, err
	}
	result.Recovered = recovered

	due, err := s.loadDueJobs(ctx, now)
	if err != nil {
		return result, err
	}
	result.Due = len(due)
	if len(due) == 0 {
		s.recordPoll(now, result)
		return result, nil
	}

	sortForDispatch(due)

	running, err := s.jobs.ListJobsByStatus(ctx, StatusRunning)
	if err != nil {
		return result, errors.Wrap(err, "poll: failed to load running jobs")
	}
	runningByTenant := make(map[string]int)
	for _, job := range running {
		runningByTenant[job.TenantID]++
	}

	limits := make(map[string]int)
	for _, job := range due {
		if _, ok := limits[job.TenantID]; ok {
			continue
		}
		limit, err := s.tenants.ConcurrentJobLimit(ctx, job.TenantID)
		if err != nil {
			return result, errors.Wrapf(err, "poll: failed to load limit for tenant %s", job.TenantID)
		}
		if limit <= 0 {
			limit = s.cfg.DefaultConcurrentJobLimit
		}
		limits[job.TenantID] = limit
	}

	for _, job := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if runningByTenant[job.TenantID] >= limits[job.TenantID] {
			result.AtLimit++
			continue
		}
		reservation, ok := s.reserveDispatch(job, now)
		if !ok {
			result.RateLimited++
			continue
		}

		runningByTenant[job.TenantID]++
		if err := s.ProcessJob(ctx, job); err != nil {
			if reservation != nil {
				reservation.CancelAt(now)
			}
			runningByTenant[job.TenantID]--
			result.FailedToSend++
			continue
		}
		result.Dispatched++
	}

	s.recordPoll(now, result)
	return result, nil
}

func (s *Scheduler) loadDueJobs(ctx context.Context, now time.Time) ([]*Job, error) {
	pending, err := s.jobs.ListJobsByStatus(ctx, StatusPending)
	if err != nil {
		return nil, errors.Wrap(err, "poll: failed to load pending jobs")
	}

	due := make([]*Job, 0, len(pending))
	for _, job := range pending {
		if job.isDue(now) {
			due = append(due, job)
		}
	}

	if !s.cfg.RetryFailedJobs {
		return due, nil
	}

	failed, err := s.jobs.ListJobsByStatus(ctx, StatusFailed)
	if err != nil {
		return nil, errors.Wrap(err, "poll: failed to load failed jobs")
	}
	for _, job := range failed {
		if !job.isRetryable(now) {
			continue
		}
		// A newer pending job already covers this (data source, action)
		covering, err := s.jobs.FindPendingJob(ctx, job.DataSourceID, job.Action)
		if err != nil {
			return nil, errors.Wrap(err, "poll: failed to check pending jobs")
		}
		if covering != nil {
			continue
		}
		due = append(due, job)
	}
	return due, nil
}

// RecoverStaleJobs releases running jobs whose fetcher never reported back,
// either because a restart lost the dispatch or because nothing consumes the
// sync topic. Returns how many jobs were released.
func (s *Scheduler) RecoverStaleJobs(ctx context.Context) (int, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return s.recoverStale(ctx, s.now())
}

// recoverStale records a failed attempt on every running job started before
// now - RunningTimeout. A job with attempts left goes back to pending, due
// now, unless another pending job already covers its (data source, action).
func (s *Scheduler) recoverStale(ctx context.Context, now time.Time) (int, error) {
	running, err := s.jobs.ListJobsByStatus(ctx, StatusRunning)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load running jobs")
	}

	cutoff := now.Add(-s.cfg.RunningTimeout)
	recovered := 0
	for _, job := range running {
		if job.StartedAt != nil && job.StartedAt.After(cutoff) {
			continue
		}

		cause := errors.Newf("job orphaned: running for more than %v without completing", s.cfg.RunningTimeout)
		if err := s.FailJob(ctx, job, cause); err != nil {
			return recovered, err
		}
		recovered++

		if job.Attempts >= job.AttemptsMax {
			continue
		}
		pending, err := s.jobs.FindPendingJob(ctx, job.DataSourceID, job.Action)
		if err != nil {
			return recovered, err
		}
		if pending != nil {
			continue
		}
		if err := s.jobs.Requeue(ctx, job.ID, now, false); err != nil {
			return recovered, err
		}
		s.logger.Infow("Requeued orphaned job",
			logger.FieldJobID, job.ID,
			logger.FieldTenantID, job.TenantID,
			logger.FieldDataSourceID, job.DataSourceID,
			logger.FieldAction, job.Action,
			logger.FieldAttempts, job.Attempts)
	}
	return recovered, nil
}

// sortForDispatch orders by priority descending, then earliest due first
func sortForDispatch(jobs []*Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
	})
}

// reserveDispatch applies the per-(integration, entity type) dispatch cap.
// The returned reservation is nil when no cap applies; cancel it when the
// dispatch fails so the token is returned. Jobs whose descriptor cannot be
// resolved pass through and fail in ProcessJob.
func (s *Scheduler) reserveDispatch(job *Job, now time.Time) (*rate.Reservation, bool) {
	entityType, err := EntityTypeFromAction(job.Action)
	if err != nil {
		return nil, true
	}
	desc, err := s.descriptors.Get(job.IntegrationID)
	if err != nil {
		return nil, true
	}
	tc, ok := desc.Type(entityType)
	if !ok || tc.MaxDispatchPerMinute <= 0 {
		return nil, true
	}

	key := job.IntegrationID + "|" + entityType
	s.limitersMu.Lock()
	limiter, ok := s.limiters[key]
	if !ok || limiter.Burst() != tc.MaxDispatchPerMinute {
		limiter = rate.NewLimiter(rate.Limit(float64(tc.MaxDispatchPerMinute)/60.0), tc.MaxDispatchPerMinute)
		s.limiters[key] = limiter
	}
	s.limitersMu.Unlock()

	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return nil, false
	}
	return r, true
}

// ProcessJob marks job running and publishes it to <slug>.sync.<entityType>.
// Any failure is recorded through FailJob and returned.
func (s *Scheduler) ProcessJob(ctx context.Context, job *Job) error {
	startedAt := s.now()

	if err := s.jobs.MarkRunning(ctx, job.ID, startedAt); err != nil {
		return s.failAndReturn(ctx, job, err)
	}
	job.Status = StatusRunning
	job.StartedAt = &startedAt

	entityType, err := EntityTypeFromAction(job.Action)
	if err != nil {
		return s.failAndReturn(ctx, job, err)
	}

	desc, err := s.descriptors.Get(job.IntegrationID)
	if err != nil {
		return s.failAndReturn(ctx, job, err)
	}

	topic := bus.SyncTopic(desc.Slug, entityType)
	msg := DispatchMessage{EventID: uuid.NewString(), Job: job}
	if err := s.bus.Publish(ctx, topic, msg); err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Topic: %s", topic))
		return s.failAndReturn(ctx, job, err)
	}

	s.logger.Infow("Dispatched sync job",
		logger.FieldJobID, job.ID,
		logger.FieldEventID, msg.EventID,
		logger.FieldTenantID, job.TenantID,
		logger.FieldDataSourceID, job.DataSourceID,
		logger.FieldTopic, topic,
		logger.FieldPriority, job.Priority,
		logger.FieldAttempts, job.Attempts)
	return nil
}

func (s *Scheduler) failAndReturn(ctx context.Context, job *Job, cause error) error {
	if err := s.FailJob(ctx, job, cause); err != nil {
		return errors.CombineErrors(cause, err)
	}
	return cause
}

// FailJob records a failure: attempts+1, status failed, error and nextRetryAt.
// The status is failed even with attempts left; see Config.RetryFailedJobs.
func (s *Scheduler) FailJob(ctx context.Context, job *Job, cause error) error {
	now := s.now()
	nextRetryAt := now.Add(s.cfg.RetryBackoff)
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	if err := s.jobs.MarkFailed(ctx, job.ID, message, nextRetryAt); err != nil {
		s.logger.Errorw("Failed to record job failure",
			logger.FieldJobID, job.ID,
			logger.FieldError, err)
		return errors.Wrapf(err, "failed to record failure of job %s", job.ID)
	}

	job.Status = StatusFailed
	job.Attempts++
	job.Error = message
	job.NextRetryAt = &nextRetryAt

	s.logger.Warnw("Sync job failed",
		logger.FieldJobID, job.ID,
		logger.FieldTenantID, job.TenantID,
		logger.FieldDataSourceID, job.DataSourceID,
		logger.FieldAction, job.Action,
		logger.FieldAttempts, job.Attempts,
		"attempts_max", job.AttemptsMax,
		"exhausted", job.Attempts >= job.AttemptsMax,
		"details", errors.GetAllDetails(cause),
		logger.FieldError, message)
	return nil
}

// CompleteJob marks job completed. With a data source and action it also
// stamps metadata[action] and schedules the next iteration from that time.
func (s *Scheduler) CompleteJob(ctx context.Context, job *Job, ds *store.DataSource, action string) error {
	completedAt := s.now()
	if err := s.jobs.MarkCompleted(ctx, job.ID, completedAt); err != nil {
		return err
	}
	job.Status = StatusCompleted
	job.CompletedAt = &completedAt

	s.logger.Infow("Sync job completed",
		logger.FieldJobID, job.ID,
		logger.FieldDataSourceID, job.DataSourceID,
		logger.FieldAction, job.Action)

	if ds == nil || action == "" {
		return nil
	}

	if err := s.sources.SetMetadata(ctx, ds.ID, action, store.FormatSyncTime(completedAt)); err != nil {
		return errors.Wrapf(err, "failed to stamp %s on data source %s", action, ds.ID)
	}
	if ds.Metadata == nil {
		ds.Metadata = map[string]string{}
	}
	ds.Metadata[action] = store.FormatSyncTime(completedAt)

	_, err := s.ScheduleNextIteration(ctx, job, ds, action, completedAt)
	return err
}

// CompleteSync completes the final job of a sync run, loading the job's data source.
func (s *Scheduler) CompleteSync(ctx context.Context, job *Job) error {
	ds, err := s.sources.Get(ctx, job.DataSourceID)
	if err != nil {
		return errors.Wrapf(err, "failed to load data source of job %s", job.ID)
	}
	return s.CompleteJob(ctx, job, ds, job.Action)
}

// ScheduleNextIteration inserts the next recurring job at lastSync + rate,
// unless one is already pending for (data source, action).
func (s *Scheduler) ScheduleNextIteration(ctx context.Context, job *Job, ds *store.DataSource, action string, lastSync time.Time) (bool, error) {
	entityType, err := EntityTypeFromAction(action)
	if err != nil {
		return false, err
	}
	desc, err := s.descriptors.Get(ds.IntegrationID)
	if err != nil {
		return false, err
	}
	tc, ok := desc.Type(entityType)
	if !ok {
		return false, errors.Wrapf(errors.ErrUnknownEntityType, "integration %s type %s", ds.IntegrationID, entityType)
	}

	next := s.newJob(ds, action, tc.Priority, lastSync.Add(tc.Rate()))
	created, err := s.jobs.CreateJobIfNoPending(ctx, next)
	if err != nil {
		return false, errors.Wrapf(err, "failed to schedule next %s for data source %s", action, ds.ID)
	}

	if created {
		s.logger.Infow("Scheduled next iteration",
			logger.FieldJobID, next.ID,
			"previous_job_id", job.ID,
			logger.FieldDataSourceID, ds.ID,
			logger.FieldAction, action,
			logger.FieldScheduledAt, next.ScheduledAt)
	} else {
		s.logger.Debugw("Next iteration already pending",
			logger.FieldDataSourceID, ds.ID,
			logger.FieldAction, action)
	}
	return created, nil
}

// ScheduleNextBatch inserts an immediately due continuation of current that
// resumes at cursor, boosted above the integration's base priority so
// in-flight syncs drain before new work.
func (s *Scheduler) ScheduleNextBatch(ctx context.Context, current *Job, cursor, syncID string, batchNumber, totalProcessed int) (*Job, error) {
	base := current.Priority
	if entityType, err := EntityTypeFromAction(current.Action); err == nil {
		if desc, err := s.descriptors.Get(current.IntegrationID); err == nil {
			if tc, ok := desc.Type(entityType); ok {
				base = tc.Priority
			}
		}
	}

	next := &Job{
		TenantID:      current.TenantID,
		IntegrationID: current.IntegrationID,
		DataSourceID:  current.DataSourceID,
		Action:        current.Action,
		Priority:      base + s.cfg.BatchPriorityBoost,
		Status:        StatusPending,
		ScheduledAt:   s.now(),
		AttemptsMax:   s.cfg.DefaultAttemptsMax,
		Payload: &BatchPayload{
			Cursor:         cursor,
			SyncID:         syncID,
			BatchNumber:    batchNumber,
			TotalProcessed: totalProcessed,
		},
	}
	if err := s.jobs.CreateJob(ctx, next); err != nil {
		return nil, errors.Wrapf(err, "failed to schedule batch %d of job %s", batchNumber, current.ID)
	}

	s.logger.Infow("Scheduled continuation batch",
		logger.FieldJobID, next.ID,
		"previous_job_id", current.ID,
		logger.FieldSyncID, syncID,
		logger.FieldBatchNumber, batchNumber,
		logger.FieldPriority, next.Priority,
		"total_processed", totalProcessed)
	return next, nil
}

// RetryJob puts a failed job back to pending with fresh attempts, due now
func (s *Scheduler) RetryJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusFailed {
		return nil, errors.NewInvalidRequestError("job %s is %s, only failed jobs can be retried", id, job.Status)
	}
	pending, err := s.jobs.FindPendingJob(ctx, job.DataSourceID, job.Action)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, errors.Wrapf(errors.ErrConflict, "job %s already pending for %s %s", pending.ID, job.DataSourceID, job.Action)
	}
	if err := s.jobs.Requeue(ctx, id, s.now(), true); err != nil {
		return nil, err
	}
	return s.jobs.GetJob(ctx, id)
}

func (s *Scheduler) newJob(ds *store.DataSource, action string, priority int, scheduledAt time.Time) *Job {
	return &Job{
		TenantID:      ds.TenantID,
		IntegrationID: ds.IntegrationID,
		DataSourceID:  ds.ID,
		Action:        action,
		Priority:      priority,
		Status:        StatusPending,
		ScheduledAt:   scheduledAt,
		AttemptsMax:   s.cfg.DefaultAttemptsMax,
	}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
