package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/logger"
	"github.com/teranos/mspsync/store"
)

// DefaultJoinTimeout bounds how long a partial join waits for its other dependencies
const DefaultJoinTimeout = 5 * time.Minute

// LinkStrategy derives relationships for one entity type
type LinkStrategy interface {
	// EntityType is the type published on linked.<type>
	EntityType() string
	// Dependencies are the processed.<type> topics to join; the first is the primary
	Dependencies() []string
	AnalyzeAndCreateRelationships(ctx context.Context, scope Scope, entities []*store.Entity) ([]*store.Relationship, error)
}

// EntityReader loads entities by id
type EntityReader interface {
	GetByIDs(ctx context.Context, ids []string) ([]*store.Entity, error)
}

// RelationshipWriter persists relationship edges
type RelationshipWriter interface {
	Upsert(ctx context.Context, r *store.Relationship) error
}

// LinkerConfig tunes a linker
type LinkerConfig struct {
	JoinTimeout   time.Duration
	SweepInterval time.Duration
}

type pendingJoin struct {
	reported  map[string]bool
	firstSeen time.Time
	scope     Scope
	meta      SyncMetadata
	hasMeta   bool
}

// Linker joins processed.<dep> events per entity id. Once every dependency
// has reported an id, the strategy derives relationships for it and the id
// is published on linked.<type>. Partial joins older than the join timeout
// are dropped by a periodic sweep.
type Linker struct {
	strategy      LinkStrategy
	entities      EntityReader
	relationships RelationshipWriter
	bus           bus.Bus
	owner         Owner
	cfg           LinkerConfig
	logger        *zap.SugaredLogger
	now           func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingJoin

	subs   []bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLinker creates a linker for strategy
func NewLinker(strategy LinkStrategy, entities EntityReader, relationships RelationshipWriter, b bus.Bus, owner Owner, cfg LinkerConfig, log *zap.SugaredLogger) *Linker {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Linker{
		strategy:      strategy,
		entities:      entities,
		relationships: relationships,
		bus:           b,
		owner:         ownerOrAll(owner),
		cfg:           cfg,
		logger:        loggerOrNop(log).With(logger.FieldStage, "link", logger.FieldEntityType, strategy.EntityType()),
		now:           func() time.Time { return time.Now().UTC() },
		pending:       make(map[string]*pendingJoin),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start subscribes to every dependency and starts the sweeper
func (l *Linker) Start() error {
	deps := l.strategy.Dependencies()
	if len(deps) == 0 {
		return errors.NewInvalidRequestError("linker %s declares no dependencies", l.strategy.EntityType())
	}
	patterns := make([]string, len(deps))
	for i, dep := range deps {
		patterns[i] = bus.ProcessedTopic(dep)
	}
	subs, err := subscribeAll(l.bus, patterns, guard("link", l.logger, l.handle))
	if err != nil {
		return errors.Wrapf(err, "linker %s failed to subscribe", l.strategy.EntityType())
	}
	l.subs = subs

	l.wg.Add(1)
	go l.sweepLoop()
	return nil
}

// Stop unsubscribes and stops the sweeper; partial joins are discarded
func (l *Linker) Stop() {
	unsubscribeAll(l.subs)
	l.subs = nil
	l.cancel()
	l.wg.Wait()
}

func (l *Linker) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(l.now())
		}
	}
}

// Sweep drops partial joins first seen more than the join timeout before now
func (l *Linker) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for id, join := range l.pending {
		if now.Sub(join.firstSeen) > l.cfg.JoinTimeout {
			delete(l.pending, id)
			dropped++
		}
	}
	if dropped > 0 {
		l.logger.Infow("Dropped expired partial joins",
			logger.FieldCount, dropped,
			"remaining", len(l.pending))
	}
	return dropped
}

// Pending reports the number of partial joins held in memory
func (l *Linker) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Linker) handle(ctx context.Context, msg *bus.Message) error {
	var event ProcessedEventPayload
	if err := bus.Decode(msg, &event); err != nil {
		return err
	}
	dep := bus.LastToken(msg.Topic)
	_, err := l.Link(ctx, dep, &event)
	return err
}

// Link records that dep reported the event's entities and links every id
// whose join completed. Returns the published event, or nil when nothing fired.
func (l *Linker) Link(ctx context.Context, dep string, event *ProcessedEventPayload) (*LinkedEventPayload, error) {
	deps := l.strategy.Dependencies()
	primary := dep == deps[0]

	scope := event.Scope
	scope.EntityType = l.strategy.EntityType()

	ready, meta := l.record(dep, deps, primary, scope, event)

	// A primary final batch must reach downstream even with nothing to link,
	// it is what full-context workers wait for.
	finalBatch := primary && event.SyncMetadata.IsFinalBatch
	if len(ready) == 0 && !finalBatch {
		return nil, nil
	}

	created, err := l.linkEntities(ctx, scope, ready)
	if err != nil {
		return nil, err
	}

	out := &LinkedEventPayload{
		Scope:                scope,
		EventID:              uuid.NewString(),
		ChangedEntityIDs:     ready,
		RelationshipsCreated: created,
		SyncMetadata:         meta,
	}
	if err := l.bus.Publish(ctx, bus.LinkedTopic(scope.EntityType), out); err != nil {
		return nil, errors.Wrap(err, "failed to publish linked event")
	}

	l.logger.Infow("Linked entities",
		logger.FieldTenantID, scope.TenantID,
		logger.FieldDataSourceID, scope.DataSourceID,
		logger.FieldSyncID, meta.SyncID,
		logger.FieldFinalBatch, meta.IsFinalBatch,
		logger.FieldCount, len(ready),
		"relationships", created)
	return out, nil
}

// record updates join state and returns the ids whose join completed along
// with the sync metadata to forward
func (l *Linker) record(dep string, deps []string, primary bool, scope Scope, event *ProcessedEventPayload) ([]string, SyncMetadata) {
	now := l.now()
	ready := []string{}

	var meta SyncMetadata
	if primary {
		meta = event.SyncMetadata
	}
	haveMeta := primary

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range event.EntityIDs {
		if !l.owner.Owns(id) {
			continue
		}
		join, ok := l.pending[id]
		if !ok {
			join = &pendingJoin{reported: make(map[string]bool, len(deps)), firstSeen: now, scope: scope}
		}
		join.reported[dep] = true
		if primary {
			join.meta = event.SyncMetadata
			join.hasMeta = true
			join.scope = scope
		}

		if !joined(join, deps) {
			l.pending[id] = join
			continue
		}
		delete(l.pending, id)
		ready = append(ready, id)
		if !haveMeta && join.hasMeta {
			// Completed by a secondary; the primary's final batch was already forwarded
			meta = join.meta
			meta.IsFinalBatch = false
			haveMeta = true
		}
	}
	return ready, meta
}

func joined(join *pendingJoin, deps []string) bool {
	for _, dep := range deps {
		if !join.reported[dep] {
			return false
		}
	}
	return true
}

func (l *Linker) linkEntities(ctx context.Context, scope Scope, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	loaded, err := l.entities.GetByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	live := loaded[:0]
	for _, e := range loaded {
		if !e.IsDeleted() {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		return 0, nil
	}

	edges, err := l.strategy.AnalyzeAndCreateRelationships(ctx, scope, live)
	if err != nil {
		return 0, errors.Wrap(err, "relationship analysis failed")
	}

	created := 0
	var errs error
	for _, edge := range edges {
		if edge.TenantID == "" {
			edge.TenantID = scope.TenantID
		}
		if err := l.relationships.Upsert(ctx, edge); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		created++
	}
	if errs != nil {
		l.logger.Warnw("Some relationships were not persisted",
			logger.FieldTenantID, scope.TenantID,
			"persisted", created,
			"total", len(edges),
			logger.FieldError, errs)
	}
	return created, nil
}

// NoRelationships is a LinkStrategy for entity types without edges; it
// forwards processed ids to linked.<type> unchanged
type NoRelationships string

// EntityType returns the type itself
func (t NoRelationships) EntityType() string { return string(t) }

// Dependencies is the type's own processed topic
func (t NoRelationships) Dependencies() []string { return []string{string(t)} }

// AnalyzeAndCreateRelationships returns no edges
func (NoRelationships) AnalyzeAndCreateRelationships(context.Context, Scope, []*store.Entity) ([]*store.Relationship, error) {
	return nil, nil
}
