package commands

import (
	"context"
	"database/sql"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/teranos/mspsync/am"
	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/integration"
	"github.com/teranos/mspsync/internal/httpclient"
	"github.com/teranos/mspsync/internal/util"
	"github.com/teranos/mspsync/pipeline"
	"github.com/teranos/mspsync/pulse/schedule"
	"github.com/teranos/mspsync/shard"
	"github.com/teranos/mspsync/store"
)

// engine is one running instance: scheduler plus every pipeline stage
type engine struct {
	cfg       *am.Config
	docs      *store.Store
	registry  *integration.Registry
	bus       bus.Bus
	router    *shard.Router
	scheduler *schedule.Scheduler
	logger    *zap.SugaredLogger

	fetchers   []*pipeline.Fetcher
	processors []*pipeline.Processor
	linkers    []*pipeline.Linker
	workers    []*pipeline.Worker
}

func schedulerConfig(cfg *am.Config) schedule.Config {
	return schedule.Config{
		PollInterval:              cfg.PollInterval(),
		DefaultConcurrentJobLimit: cfg.Scheduler.DefaultConcurrentJobLimit,
		RetryBackoff:              cfg.RetryBackoff(),
		DefaultAttemptsMax:        cfg.Scheduler.DefaultAttemptsMax,
		BatchPriorityBoost:        cfg.Scheduler.BatchPriorityBoost,
		RetryFailedJobs:           cfg.Scheduler.RetryFailedJobs,
		RunningTimeout:            cfg.RunningTimeout(),
	}
}

func newScheduler(cfg *am.Config, database *sql.DB, docs *store.Store, registry *integration.Registry, b bus.Publisher, log *zap.SugaredLogger) *schedule.Scheduler {
	return schedule.NewScheduler(schedule.Deps{
		Jobs:        schedule.NewStore(database),
		Tenants:     docs.Tenants,
		DataSources: docs.DataSources,
		Descriptors: registry,
		Bus:         b,
	}, schedulerConfig(cfg), log)
}

// entityTypes lists every type a descriptor syncs plus the cleanup types
func entityTypes(cfg *am.Config, registry *integration.Registry) []string {
	seen := map[string]bool{}
	for _, d := range registry.All() {
		for _, tc := range d.SupportedTypes {
			seen[tc.Type] = true
		}
	}
	for _, t := range cfg.Stages.CleanupEntityTypes {
		seen[t] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// newConnector prefers the integration's HTTP endpoint over replay files.
// Nil means the integration is fetched by another process.
func newConnector(cfg *am.Config, d *integration.Descriptor) pipeline.Connector {
	switch {
	case d.Endpoint != "":
		allowPrivate := cfg.Integrations.AllowPrivateEndpoints
		client := httpclient.NewWithOptions(cfg.HTTPTimeout(), httpclient.Options{BlockPrivateIP: util.Ptr(!allowPrivate)})
		return pipeline.NewHTTPConnector(client, d.Endpoint)
	case cfg.Integrations.ReplayDir != "":
		return pipeline.NewReplayConnector(filepath.Join(cfg.Integrations.ReplayDir, d.Slug), cfg.Integrations.ReplayPageSize)
	}
	return nil
}

func newEngine(cfg *am.Config, database *sql.DB, registry *integration.Registry, b bus.Bus, log *zap.SugaredLogger) (*engine, error) {
	router, err := shard.NewRouter(cfg.Shard.Self, cfg.Shard.Members)
	if err != nil {
		return nil, errors.Wrap(err, "invalid shard membership")
	}

	docs := store.New(database)
	e := &engine{
		cfg:      cfg,
		docs:     docs,
		registry: registry,
		bus:      b,
		router:   router,
		logger:   log,
	}
	e.scheduler = newScheduler(cfg, database, docs, registry, b, log.Named("scheduler"))

	for _, d := range registry.All() {
		connector := newConnector(cfg, d)
		if connector == nil {
			log.Warnw("No connector for integration, dispatched jobs wait for an external fetcher",
				"integration", d.ID, "running_timeout", cfg.RunningTimeout())
			continue
		}
		e.fetchers = append(e.fetchers, pipeline.NewFetcher(d.Slug, connector, docs.DataSources, e.scheduler, b, router, log))
	}

	linkCfg := pipeline.LinkerConfig{JoinTimeout: cfg.JoinTimeout(), SweepInterval: cfg.JoinSweepInterval()}
	for _, t := range entityTypes(cfg, registry) {
		e.processors = append(e.processors, pipeline.NewProcessor(t, pipeline.PassthroughNormalizer, docs.Entities, b, router, log))
		e.linkers = append(e.linkers, pipeline.NewLinker(pipeline.NoRelationships(t), docs.Entities, docs.Relationships, b, router, linkCfg, log))
	}

	if len(cfg.Stages.CleanupEntityTypes) > 0 {
		e.workers = append(e.workers, pipeline.NewCleanupWorker(cfg.Stages.CleanupEntityTypes, docs.Entities, b, router,
			pipeline.WorkerConfig{Debounce: cfg.DebounceWindow()}, log))
	}
	return e, nil
}

// Start subscribes stages downstream-first so no published event is missed,
// then starts the poll loop
func (e *engine) Start() error {
	for _, w := range e.workers {
		if err := w.Start(); err != nil {
			return err
		}
	}
	for _, l := range e.linkers {
		if err := l.Start(); err != nil {
			return err
		}
	}
	for _, p := range e.processors {
		if err := p.Start(); err != nil {
			return err
		}
	}
	for _, f := range e.fetchers {
		if err := f.Start(); err != nil {
			return err
		}
	}
	e.scheduler.Start()
	return nil
}

// Stop halts the poll loop and then the stages upstream-first.
// Workers flush their buffers before returning.
func (e *engine) Stop(ctx context.Context) {
	e.scheduler.Stop()
	for _, f := range e.fetchers {
		f.Stop()
	}
	for _, p := range e.processors {
		p.Stop()
	}
	for _, l := range e.linkers {
		l.Stop()
	}
	for _, w := range e.workers {
		w.Stop(ctx)
	}
}
