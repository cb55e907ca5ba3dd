package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/integration"
	testdb "github.com/teranos/mspsync/internal/testing"
	"github.com/teranos/mspsync/store"
)

type fixture struct {
	t         *testing.T
	ctx       context.Context
	clock     time.Time
	docs      *store.Store
	jobs      *Store
	bus       *bus.MemoryBus
	scheduler *Scheduler

	mu         sync.Mutex
	dispatched []DispatchMessage
	topics     []string
}

func testDescriptor() integration.Descriptor {
	return integration.Descriptor{
		ID:   "autotask",
		Slug: "autotask",
		Name: "Autotask PSA",
		SupportedTypes: []integration.TypeConfig{
			{Type: "companies", IsGlobal: true, Priority: 5, RateMinutes: 60},
			{Type: "contacts", IsGlobal: true, Priority: 3, RateMinutes: 120, MaxDispatchPerMinute: 1},
			{Type: "sites", IsGlobal: false, Priority: 1, RateMinutes: 30},
		},
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	conn := testdb.CreateTestDB(t)
	registry, err := integration.NewRegistry(testDescriptor())
	require.NoError(t, err)

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		docs:  store.New(conn),
		jobs:  NewStore(conn),
		bus:   bus.NewMemoryBus(zaptest.NewLogger(t).Sugar()),
	}
	t.Cleanup(func() { f.bus.Close() })

	_, err = f.bus.Subscribe(bus.SyncPattern("autotask"), func(ctx context.Context, msg *bus.Message) error {
		var dm DispatchMessage
		if err := bus.Decode(msg, &dm); err != nil {
			return err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.dispatched = append(f.dispatched, dm)
		f.topics = append(f.topics, msg.Topic)
		return nil
	})
	require.NoError(t, err)

	f.jobs.now = f.now
	f.scheduler = NewScheduler(Deps{
		Jobs:        f.jobs,
		Tenants:     f.docs.Tenants,
		DataSources: f.docs.DataSources,
		Descriptors: registry,
		Bus:         f.bus,
	}, cfg, zaptest.NewLogger(t).Sugar())
	f.scheduler.now = f.now

	require.NoError(t, f.docs.Tenants.Create(f.ctx, &store.Tenant{ID: "t1", Name: "Acme MSP"}))
	return f
}

func (f *fixture) now() time.Time { return f.clock }

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) addDataSource(id string, metadata map[string]string) *store.DataSource {
	f.t.Helper()
	ds := &store.DataSource{ID: id, TenantID: "t1", IntegrationID: "autotask", Metadata: metadata}
	require.NoError(f.t, f.docs.DataSources.Create(f.ctx, ds))
	return ds
}

func (f *fixture) addJob(id, tenant, action string, priority int, at time.Time) *Job {
	f.t.Helper()
	job := newJob(id, tenant, "ds-"+id, action, priority, at)
	require.NoError(f.t, f.jobs.CreateJob(f.ctx, job))
	return job
}

func (f *fixture) poll() PollResult {
	f.t.Helper()
	result, err := f.scheduler.PollJobs(f.ctx)
	require.NoError(f.t, err)
	ctx, cancel := context.WithTimeout(f.ctx, 2*time.Second)
	defer cancel()
	require.NoError(f.t, f.bus.WaitIdle(ctx))
	return result
}

func (f *fixture) dispatchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.dispatched))
	for _, dm := range f.dispatched {
		ids = append(ids, dm.Job.ID)
	}
	return ids
}

func (f *fixture) job(id string) *Job {
	f.t.Helper()
	job, err := f.jobs.GetJob(f.ctx, id)
	require.NoError(f.t, err)
	return job
}

func TestPollJobs_PriorityOrder(t *testing.T) {
	f := newFixture(t, Config{DefaultConcurrentJobLimit: 10})
	at := f.clock.Add(-time.Minute)

	f.addJob("p5-late", "t1", "sync.companies", 5, at.Add(10*time.Second))
	f.addJob("p5-early", "t1", "sync.companies", 5, at)
	f.addJob("p9", "t1", "sync.companies", 9, at.Add(20*time.Second))
	f.addJob("p1", "t1", "sync.companies", 1, at)
	f.addJob("future", "t1", "sync.companies", 99, f.clock.Add(time.Hour))

	result := f.poll()
	assert.Equal(t, 4, result.Due)
	assert.Equal(t, 4, result.Dispatched)
	assert.Equal(t, []string{"p9", "p5-early", "p5-late", "p1"}, f.dispatchedIDs())

	assert.Equal(t, StatusRunning, f.job("p9").Status)
	assert.Equal(t, StatusPending, f.job("future").Status)
	assert.Equal(t, "autotask.sync.companies", f.topics[0])
	assert.NotEmpty(t, f.dispatched[0].EventID)
}

func TestPollJobs_TenantConcurrencyLimit(t *testing.T) {
	f := newFixture(t, Config{DefaultConcurrentJobLimit: 10})
	require.NoError(t, f.docs.Tenants.SetConcurrentJobLimit(f.ctx, "t1", 2))
	at := f.clock.Add(-time.Minute)

	f.addJob("a", "t1", "sync.companies", 3, at)
	f.addJob("b", "t1", "sync.companies", 2, at)
	f.addJob("c", "t1", "sync.companies", 1, at)

	result := f.poll()
	assert.Equal(t, 2, result.Dispatched)
	assert.Equal(t, 1, result.AtLimit)
	assert.Equal(t, []string{"a", "b"}, f.dispatchedIDs())
	assert.Equal(t, StatusPending, f.job("c").Status)

	t.Run("running jobs from earlier passes count", func(t *testing.T) {
		result := f.poll()
		assert.Equal(t, 0, result.Dispatched)
		assert.Equal(t, 1, result.AtLimit)
	})

	t.Run("completion frees a slot", func(t *testing.T) {
		require.NoError(t, f.scheduler.CompleteJob(f.ctx, f.job("a"), nil, ""))
		result := f.poll()
		assert.Equal(t, 1, result.Dispatched)
		assert.Equal(t, []string{"a", "b", "c"}, f.dispatchedIDs())
	})
}

func TestPollJobs_DefaultLimitAppliesToUnsetTenants(t *testing.T) {
	f := newFixture(t, Config{DefaultConcurrentJobLimit: 1})
	require.NoError(t, f.docs.Tenants.Create(f.ctx, &store.Tenant{ID: "t2", Name: "Other"}))
	at := f.clock.Add(-time.Minute)

	f.addJob("t1-a", "t1", "sync.companies", 1, at)
	f.addJob("t1-b", "t1", "sync.companies", 1, at.Add(time.Second))
	f.addJob("t2-a", "t2", "sync.companies", 1, at)

	result := f.poll()
	assert.Equal(t, 2, result.Dispatched)
	assert.ElementsMatch(t, []string{"t1-a", "t2-a"}, f.dispatchedIDs())
}

func TestPollJobs_DispatchRateLimit(t *testing.T) {
	f := newFixture(t, Config{DefaultConcurrentJobLimit: 10})
	at := f.clock.Add(-time.Minute)

	f.addJob("c1", "t1", "sync.contacts", 3, at)
	f.addJob("c2", "t1", "sync.contacts", 3, at.Add(time.Second))

	result := f.poll()
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, 1, result.RateLimited)
	assert.Equal(t, StatusPending, f.job("c2").Status)

	f.advance(time.Minute)
	result = f.poll()
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, []string{"c1", "c2"}, f.dispatchedIDs())
}

func TestProcessJob_FailureRecordsRetry(t *testing.T) {
	f := newFixture(t, Config{RetryBackoff: 30 * time.Second})
	job := f.addJob("bad", "t1", "sync.companies", 1, f.clock)
	job.IntegrationID = "halopsa"
	_, err := f.jobs.db.ExecContext(f.ctx, `UPDATE scheduled_jobs SET integration_id = 'halopsa' WHERE id = 'bad'`)
	require.NoError(t, err)

	err = f.scheduler.ProcessJob(f.ctx, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownIntegration))

	got := f.job("bad")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.Error, "halopsa")
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, f.clock.Add(30*time.Second).Equal(*got.NextRetryAt))

	t.Run("failed jobs are not redispatched by default", func(t *testing.T) {
		f.advance(time.Hour)
		result := f.poll()
		assert.Equal(t, 0, result.Due)
	})
}

func TestPollJobs_RetryFailedJobs(t *testing.T) {
	f := newFixture(t, Config{RetryBackoff: 30 * time.Second, RetryFailedJobs: true})
	job := f.addJob("flaky", "t1", "sync.companies", 1, f.clock)
	require.NoError(t, f.jobs.MarkRunning(f.ctx, job.ID, f.clock))
	require.NoError(t, f.scheduler.FailJob(f.ctx, job, errors.New("upstream 503")))

	result := f.poll()
	assert.Equal(t, 0, result.Due, "backoff not elapsed")

	f.advance(31 * time.Second)
	result = f.poll()
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, StatusRunning, f.job("flaky").Status)
	assert.Equal(t, 1, f.job("flaky").Attempts)
}

func TestPollJobs_StoreErrorAbortsPass(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("SELECT (.+) FROM scheduled_jobs WHERE status").
		WithArgs(string(StatusRunning)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM scheduled_jobs WHERE status").
		WithArgs(string(StatusPending)).
		WillReturnError(errors.New("disk I/O error"))

	registry, err := integration.NewRegistry(testDescriptor())
	require.NoError(t, err)
	s := NewScheduler(Deps{Jobs: NewStore(conn), Descriptors: registry}, Config{}, zaptest.NewLogger(t).Sugar())

	_, err = s.PollJobs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(0), s.Stats().PollsRun)
}

func TestBootstrap(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDataSource("fresh", nil)
	f.addDataSource("recent", map[string]string{
		"sync.companies": store.FormatSyncTime(f.clock.Add(-10 * time.Minute)),
		"sync.contacts":  store.FormatSyncTime(f.clock.Add(-3 * time.Hour)),
	})

	created, err := f.scheduler.Bootstrap(f.ctx)
	require.NoError(t, err)
	// fresh: companies + contacts; recent: contacts only; sites is not global
	assert.Equal(t, 3, created)

	fresh, err := f.jobs.ListJobsByDataSource(f.ctx, "fresh", StatusPending)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	for _, job := range fresh {
		assert.True(t, f.clock.Equal(job.ScheduledAt))
		assert.Equal(t, "t1", job.TenantID)
	}

	recent, err := f.jobs.ListJobsByDataSource(f.ctx, "recent", StatusPending)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "sync.contacts", recent[0].Action)
	assert.Equal(t, 3, recent[0].Priority)

	t.Run("idempotent", func(t *testing.T) {
		created, err := f.scheduler.Bootstrap(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, created)
	})

	t.Run("unknown integration is skipped", func(t *testing.T) {
		require.NoError(t, f.docs.DataSources.Create(f.ctx, &store.DataSource{ID: "orphan", TenantID: "t1", IntegrationID: "halopsa"}))
		created, err := f.scheduler.Bootstrap(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, created)
	})
}

func TestCompleteJob_SchedulesNextIteration(t *testing.T) {
	f := newFixture(t, Config{})
	ds := f.addDataSource("ds1", nil)
	job := newJob("j1", "t1", "ds1", "sync.companies", 5, f.clock)
	require.NoError(t, f.jobs.CreateJob(f.ctx, job))
	require.NoError(t, f.jobs.MarkRunning(f.ctx, job.ID, f.clock))

	require.NoError(t, f.scheduler.CompleteJob(f.ctx, job, ds, "sync.companies"))
	assert.Equal(t, StatusCompleted, f.job("j1").Status)

	reloaded, err := f.docs.DataSources.Get(f.ctx, "ds1")
	require.NoError(t, err)
	last, ok := reloaded.LastSyncAt("sync.companies")
	require.True(t, ok)
	assert.True(t, f.clock.Equal(last))

	pending, err := f.jobs.ListJobsByDataSource(f.ctx, "ds1", StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, f.clock.Add(time.Hour).Equal(pending[0].ScheduledAt))
	assert.Equal(t, 5, pending[0].Priority)

	t.Run("no duplicate pending job", func(t *testing.T) {
		created, err := f.scheduler.ScheduleNextIteration(f.ctx, job, ds, "sync.companies", f.clock)
		require.NoError(t, err)
		assert.False(t, created)

		pending, err := f.jobs.ListJobsByDataSource(f.ctx, "ds1", StatusPending)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestCompleteSync_LoadsDataSource(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDataSource("ds1", nil)
	job := newJob("j1", "t1", "ds1", "sync.contacts", 3, f.clock)
	require.NoError(t, f.jobs.CreateJob(f.ctx, job))

	require.NoError(t, f.scheduler.CompleteSync(f.ctx, job))

	pending, err := f.jobs.FindPendingJob(f.ctx, "ds1", "sync.contacts")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.True(t, f.clock.Add(2*time.Hour).Equal(pending.ScheduledAt))
}

func TestScheduleNextBatch_BoostsPriority(t *testing.T) {
	f := newFixture(t, Config{BatchPriorityBoost: 10})
	current := newJob("j1", "t1", "ds1", "sync.companies", 5, f.clock.Add(-time.Hour))
	require.NoError(t, f.jobs.CreateJob(f.ctx, current))

	next, err := f.scheduler.ScheduleNextBatch(f.ctx, current, "cursor-2", "sync-abc", 2, 500)
	require.NoError(t, err)

	got := f.job(next.ID)
	assert.Equal(t, 15, got.Priority)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, f.clock.Equal(got.ScheduledAt))
	require.NotNil(t, got.Payload)
	assert.Equal(t, BatchPayload{Cursor: "cursor-2", SyncID: "sync-abc", BatchNumber: 2, TotalProcessed: 500}, *got.Payload)

	var third *Job
	t.Run("continuation is inserted even with a pending job", func(t *testing.T) {
		third, err = f.scheduler.ScheduleNextBatch(f.ctx, current, "cursor-3", "sync-abc", 3, 1000)
		require.NoError(t, err)
		pending, err := f.jobs.ListJobsByDataSource(f.ctx, "ds1", StatusPending)
		require.NoError(t, err)
		assert.Len(t, pending, 3)
	})

	t.Run("continuations dispatch before new work", func(t *testing.T) {
		f.addJob("other", "t1", "sync.companies", 9, f.clock.Add(-time.Hour))
		f.poll()
		ids := f.dispatchedIDs()
		require.Len(t, ids, 4)
		assert.ElementsMatch(t, []string{next.ID, third.ID}, ids[:2])
		assert.Equal(t, []string{"other", "j1"}, ids[2:])
	})
}

func TestRetryJob(t *testing.T) {
	f := newFixture(t, Config{})
	job := f.addJob("j1", "t1", "sync.companies", 1, f.clock)

	_, err := f.scheduler.RetryJob(f.ctx, "j1")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "pending jobs cannot be retried")

	require.NoError(t, f.scheduler.FailJob(f.ctx, job, errors.New("boom")))
	require.NoError(t, f.scheduler.FailJob(f.ctx, job, errors.New("boom")))
	f.advance(time.Minute)

	retried, err := f.scheduler.RetryJob(f.ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Equal(t, 0, retried.Attempts)
	assert.True(t, f.clock.Equal(retried.ScheduledAt))

	_, err = f.scheduler.RetryJob(f.ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond})
	f.scheduler.now = func() time.Time { return time.Now().UTC() }
	f.addJob("j1", "t1", "sync.companies", 1, time.Now().UTC().Add(-time.Second))

	f.scheduler.Start()
	require.Eventually(t, func() bool {
		return len(f.dispatchedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.scheduler.Stop()

	assert.GreaterOrEqual(t, f.scheduler.Stats().PollsRun, int64(1))
}

// restart builds a fresh scheduler over the fixture's store, as a new process would
func (f *fixture) restart(cfg Config) {
	f.t.Helper()
	registry, err := integration.NewRegistry(testDescriptor())
	require.NoError(f.t, err)
	f.scheduler = NewScheduler(Deps{
		Jobs:        f.jobs,
		Tenants:     f.docs.Tenants,
		DataSources: f.docs.DataSources,
		Descriptors: registry,
		Bus:         f.bus,
	}, cfg, zaptest.NewLogger(f.t).Sugar())
	f.scheduler.now = f.now
}

func TestBootstrap_ReleasesOrphanedJobs(t *testing.T) {
	cfg := Config{RunningTimeout: 30 * time.Minute}
	f := newFixture(t, cfg)
	require.NoError(t, f.docs.Tenants.SetConcurrentJobLimit(f.ctx, "t1", 2))
	at := f.clock.Add(-time.Minute)

	f.addJob("a", "t1", "sync.companies", 3, at)
	f.addJob("b", "t1", "sync.companies", 2, at)
	f.addJob("c", "t1", "sync.companies", 1, at)
	require.Equal(t, 2, f.poll().Dispatched)

	// the dispatches of a and b die with the process
	f.restart(cfg)

	f.advance(10 * time.Minute)
	_, err := f.scheduler.Bootstrap(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, f.job("a").Status, "not stale yet")

	f.advance(30 * time.Minute)
	_, err = f.scheduler.Bootstrap(f.ctx)
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		got := f.job(id)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Contains(t, got.Error, "orphaned")
		assert.True(t, f.clock.Equal(got.ScheduledAt))
	}

	result := f.poll()
	assert.Equal(t, 2, result.Dispatched)
	assert.Equal(t, 1, result.AtLimit)

	t.Run("completion after recovery frees the tenant", func(t *testing.T) {
		require.NoError(t, f.scheduler.CompleteJob(f.ctx, f.job("a"), nil, ""))
		result := f.poll()
		assert.Equal(t, 1, result.Dispatched)
		assert.Equal(t, StatusRunning, f.job("c").Status)
	})
}

func TestPollJobs_ReleasesUnconsumedJobs(t *testing.T) {
	f := newFixture(t, Config{RunningTimeout: time.Hour})
	require.NoError(t, f.docs.Tenants.SetConcurrentJobLimit(f.ctx, "t1", 1))

	// nothing ever completes "stuck", as with an integration no fetcher serves
	f.addJob("stuck", "t1", "sync.companies", 5, f.clock)
	f.addJob("next", "t1", "sync.companies", 1, f.clock)

	result := f.poll()
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, 1, result.AtLimit)

	f.advance(30 * time.Minute)
	result = f.poll()
	assert.Equal(t, 0, result.Recovered)
	assert.Equal(t, 1, result.AtLimit)

	for attempt := 1; attempt < 3; attempt++ {
		f.advance(time.Hour)
		result = f.poll()
		assert.Equal(t, 1, result.Recovered)
		assert.Equal(t, 1, result.Dispatched)
		assert.Equal(t, attempt, f.job("stuck").Attempts)
	}

	f.advance(time.Hour)
	result = f.poll()
	assert.Equal(t, 1, result.Recovered)
	assert.Equal(t, 1, result.Dispatched)

	stuck := f.job("stuck")
	assert.Equal(t, StatusFailed, stuck.Status, "attempts exhausted")
	assert.Equal(t, 3, stuck.Attempts)
	assert.Equal(t, StatusRunning, f.job("next").Status)
	assert.Equal(t, []string{"stuck", "stuck", "stuck", "next"}, f.dispatchedIDs())
}

func TestRetryJob_ConflictsWithPendingJob(t *testing.T) {
	f := newFixture(t, Config{})
	failed := newJob("old", "t1", "ds1", "sync.companies", 1, f.clock)
	require.NoError(t, f.jobs.CreateJob(f.ctx, failed))
	require.NoError(t, f.scheduler.FailJob(f.ctx, failed, errors.New("boom")))

	// bootstrap already seeded the next run for the same (data source, action)
	require.NoError(t, f.jobs.CreateJob(f.ctx, newJob("fresh", "t1", "ds1", "sync.companies", 1, f.clock)))

	_, err := f.scheduler.RetryJob(f.ctx, "old")
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	assert.Equal(t, StatusFailed, f.job("old").Status)

	pending, err := f.jobs.ListJobsByDataSource(f.ctx, "ds1", StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPollJobs_RetryFailedJobsSkipsCoveredActions(t *testing.T) {
	f := newFixture(t, Config{RetryBackoff: 30 * time.Second, RetryFailedJobs: true})
	failed := newJob("flaky", "t1", "ds1", "sync.companies", 1, f.clock)
	require.NoError(t, f.jobs.CreateJob(f.ctx, failed))
	require.NoError(t, f.scheduler.FailJob(f.ctx, failed, errors.New("upstream 503")))
	require.NoError(t, f.jobs.CreateJob(f.ctx, newJob("later", "t1", "ds1", "sync.companies", 1, f.clock.Add(time.Hour))))

	f.advance(31 * time.Second)
	result := f.poll()
	assert.Equal(t, 0, result.Due)
	assert.Equal(t, StatusFailed, f.job("flaky").Status)
}

type failingPublisher struct {
	mu       sync.Mutex
	failures int
	next     bus.Publisher
}

func (p *failingPublisher) Publish(ctx context.Context, topic string, payload any) error {
	p.mu.Lock()
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return errors.New("broker unavailable")
	}
	p.mu.Unlock()
	return p.next.Publish(ctx, topic, payload)
}

func TestPollJobs_FailedSendReturnsRateToken(t *testing.T) {
	f := newFixture(t, Config{DefaultConcurrentJobLimit: 10})
	f.scheduler.bus = &failingPublisher{failures: 1, next: f.bus}

	// contacts allows one dispatch per minute
	f.addJob("c1", "t1", "sync.contacts", 3, f.clock)
	result := f.poll()
	assert.Equal(t, 1, result.FailedToSend)
	assert.Equal(t, StatusFailed, f.job("c1").Status)

	f.addJob("c2", "t1", "sync.contacts", 3, f.clock)
	result = f.poll()
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, 0, result.RateLimited)
	assert.Equal(t, []string{"c2"}, f.dispatchedIDs())
}

func TestScheduler_StopsPollingClosedDatabase(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	core, logs := observer.New(zap.WarnLevel)
	s := NewScheduler(Deps{Jobs: NewStore(conn)}, Config{PollInterval: 10 * time.Millisecond}, zap.New(core).Sugar())
	require.NoError(t, conn.Close())

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Database closed, stopping poll loop").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("Database closed, stopping poll loop").Len(), "loop exited")
	assert.Zero(t, logs.FilterMessage("Poll pass aborted").Len())
}
