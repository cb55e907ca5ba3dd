package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/logger"
)

// DefaultDebounce is the quiet period before a worker fires
const DefaultDebounce = 5 * time.Minute

// Analyzer is the per-analysis logic a Worker drives
type Analyzer interface {
	// Name is the analysis type token in analysis.<name>.<entityType>
	Name() string
	// Dependencies are the entity types whose linked events feed the analyzer
	Dependencies() []string
	// RequiresFullContext defers firing until a sync's final batch has landed
	RequiresFullContext() bool
	Execute(ctx context.Context, event *LinkedEventPayload) ([]Finding, error)
}

// BufferKeyer lets an Analyzer choose how events are grouped into debounce
// buffers. The default is one buffer per data source.
type BufferKeyer interface {
	BufferKey(event *LinkedEventPayload) string
}

// WorkerConfig tunes a worker
type WorkerConfig struct {
	Debounce time.Duration
}

type buffer struct {
	events []*LinkedEventPayload
	timer  *time.Timer
	gen    uint64 // armed timer; callbacks of older timers are ignored
}

// anyGeneration fires a buffer regardless of which timer is armed
const anyGeneration = 0

// Worker debounces linked.<type> events per buffer key and runs its analyzer
// once per quiet period with the union of the buffered changed ids.
type Worker struct {
	analyzer Analyzer
	bus      bus.Bus
	owner    Owner
	debounce time.Duration
	logger   *zap.SugaredLogger
	deps     map[string]bool

	mu      sync.Mutex
	buffers map[string]*buffer
	armed   uint64
	stopped bool

	// running tracks in-flight executions so Stop can wait for them
	running sync.WaitGroup
	subs    []bus.Subscription
}

// NewWorker creates a worker for analyzer
func NewWorker(analyzer Analyzer, b bus.Bus, owner Owner, cfg WorkerConfig, log *zap.SugaredLogger) *Worker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	deps := make(map[string]bool)
	for _, d := range analyzer.Dependencies() {
		deps[d] = true
	}
	return &Worker{
		analyzer: analyzer,
		bus:      b,
		owner:    ownerOrAll(owner),
		debounce: cfg.Debounce,
		logger:   loggerOrNop(log).With(logger.FieldStage, "analyze", logger.FieldAnalysis, analyzer.Name()),
		deps:     deps,
		buffers:  make(map[string]*buffer),
	}
}

// Start subscribes to linked.<type> for its single dependency, or to
// linked.* filtered to its dependency set
func (w *Worker) Start() error {
	deps := w.analyzer.Dependencies()
	if len(deps) == 0 {
		return errors.NewInvalidRequestError("worker %s declares no dependencies", w.analyzer.Name())
	}
	pattern := bus.LinkedTopic(bus.WildcardToken)
	if len(deps) == 1 {
		pattern = bus.LinkedTopic(deps[0])
	}
	subs, err := subscribeAll(w.bus, []string{pattern}, guard("analyze", w.logger, w.handle))
	if err != nil {
		return errors.Wrapf(err, "worker %s failed to subscribe", w.analyzer.Name())
	}
	w.subs = subs
	return nil
}

// Stop unsubscribes, fires every pending buffer and waits for executions
func (w *Worker) Stop(ctx context.Context) {
	unsubscribeAll(w.subs)
	w.subs = nil
	w.Flush(ctx)

	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.running.Wait()
}

func (w *Worker) handle(_ context.Context, msg *bus.Message) error {
	var event LinkedEventPayload
	if err := bus.Decode(msg, &event); err != nil {
		return err
	}
	if event.EntityType == "" {
		event.EntityType = bus.LastToken(msg.Topic)
	}
	w.Enqueue(&event)
	return nil
}

func (w *Worker) bufferKey(event *LinkedEventPayload) string {
	if k, ok := w.analyzer.(BufferKeyer); ok {
		return k.BufferKey(event)
	}
	return event.DataSourceID
}

// Enqueue buffers event and re-arms the debounce timer. With full context
// required, only a final batch arms the timer.
func (w *Worker) Enqueue(event *LinkedEventPayload) {
	if !w.deps[event.EntityType] {
		return
	}
	key := w.bufferKey(event)
	if !w.owner.Owns(key) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	buf, ok := w.buffers[key]
	if !ok {
		buf = &buffer{}
		w.buffers[key] = buf
	}
	buf.events = append(buf.events, event)

	if w.analyzer.RequiresFullContext() && !event.SyncMetadata.IsFinalBatch {
		return
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}
	w.armed++
	gen := w.armed
	buf.gen = gen
	buf.timer = time.AfterFunc(w.debounce, func() { w.fire(key, gen) })
}

// Buffered reports the number of events waiting under key
func (w *Worker) Buffered(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if buf, ok := w.buffers[key]; ok {
		return len(buf.events)
	}
	return 0
}

// Flush fires every buffer that has something to fire, without waiting for
// the debounce window
func (w *Worker) Flush(ctx context.Context) {
	w.mu.Lock()
	keys := make([]string, 0, len(w.buffers))
	for key, buf := range w.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
			buf.timer = nil
		}
		w.armed++
		buf.gen = w.armed
		keys = append(keys, key)
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.fireWith(ctx, key, anyGeneration)
	}
}

func (w *Worker) fire(key string, gen uint64) {
	w.fireWith(context.Background(), key, gen)
}

// fireWith executes the buffer under key. A timer callback passes the
// generation it was armed with; it is a no-op once the buffer was re-armed.
func (w *Worker) fireWith(ctx context.Context, key string, gen uint64) {
	w.mu.Lock()
	buf, ok := w.buffers[key]
	if !ok || w.stopped || (gen != anyGeneration && gen != buf.gen) {
		w.mu.Unlock()
		return
	}
	batch := w.take(buf)
	if len(buf.events) == 0 {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(w.buffers, key)
	} else {
		buf.timer = nil
	}
	if len(batch) == 0 {
		w.mu.Unlock()
		return
	}
	w.running.Add(1)
	w.mu.Unlock()

	defer w.running.Done()
	w.execute(ctx, Coalesce(batch))
}

// take removes the events to fire from buf. With full context required that
// is everything up to the last final batch; later events wait for their own.
func (w *Worker) take(buf *buffer) []*LinkedEventPayload {
	if !w.analyzer.RequiresFullContext() {
		batch := buf.events
		buf.events = nil
		return batch
	}
	last := -1
	for i, e := range buf.events {
		if e.SyncMetadata.IsFinalBatch {
			last = i
		}
	}
	if last < 0 {
		return nil
	}
	batch := buf.events[:last+1]
	buf.events = append([]*LinkedEventPayload(nil), buf.events[last+1:]...)
	return batch
}

// Coalesce merges buffered events into one: the last event is the base and
// its changed ids are replaced by the ordered union of all of them
func Coalesce(events []*LinkedEventPayload) *LinkedEventPayload {
	if len(events) == 0 {
		return nil
	}
	merged := *events[len(events)-1]
	seen := make(map[string]bool)
	ids := []string{}
	relationships := 0
	for _, e := range events {
		relationships += e.RelationshipsCreated
		for _, id := range e.ChangedEntityIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	merged.ChangedEntityIDs = ids
	merged.RelationshipsCreated = relationships
	return &merged
}

func (w *Worker) execute(ctx context.Context, event *LinkedEventPayload) {
	start := time.Now()
	log := w.logger.With(
		logger.FieldTenantID, event.TenantID,
		logger.FieldDataSourceID, event.DataSourceID,
		logger.FieldEntityType, event.EntityType,
		logger.FieldSyncID, event.SyncMetadata.SyncID)

	findings, err := w.safeExecute(ctx, event)
	if err != nil {
		log.Errorw("Analysis failed",
			logger.FieldCount, len(event.ChangedEntityIDs),
			logger.FieldError, err,
			"details", errors.GetAllDetails(err))
		return
	}

	log.Infow("Analysis complete",
		logger.FieldCount, len(event.ChangedEntityIDs),
		"findings", len(findings),
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	if len(findings) == 0 {
		return
	}
	out := &AnalysisEvent{
		Scope:        event.Scope,
		EventID:      uuid.NewString(),
		Analysis:     w.analyzer.Name(),
		Findings:     findings,
		SyncMetadata: event.SyncMetadata,
		GeneratedAt:  time.Now().UTC(),
	}
	if err := w.bus.Publish(ctx, bus.AnalysisTopic(w.analyzer.Name(), event.EntityType), out); err != nil {
		log.Warnw("Failed to publish analysis event", logger.FieldError, err)
	}
}

func (w *Worker) safeExecute(ctx context.Context, event *LinkedEventPayload) (findings []Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithDetail(
				errors.Newf("analyzer %s panicked: %v", w.analyzer.Name(), r),
				fmt.Sprintf("Stack: %s", debug.Stack()))
		}
	}()
	return w.analyzer.Execute(ctx, event)
}
