package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/logger"
	"github.com/teranos/mspsync/store"
)

// Normalizer maps a raw upstream record to the stored normalized shape.
// One implementation exists per entity type and connector family.
type Normalizer interface {
	Normalize(ctx context.Context, scope Scope, rec RawRecord) (json.RawMessage, error)
}

// NormalizerFunc adapts a function to Normalizer
type NormalizerFunc func(ctx context.Context, scope Scope, rec RawRecord) (json.RawMessage, error)

// Normalize calls f
func (f NormalizerFunc) Normalize(ctx context.Context, scope Scope, rec RawRecord) (json.RawMessage, error) {
	return f(ctx, scope, rec)
}

// PassthroughNormalizer stores the raw data as the normalized data
var PassthroughNormalizer Normalizer = NormalizerFunc(func(_ context.Context, _ Scope, rec RawRecord) (json.RawMessage, error) {
	return rec.Data, nil
})

// EntityWriter is the slice of the entity store the processor mutates
type EntityWriter interface {
	FindByExternalID(ctx context.Context, key store.EntityKey) (*store.Entity, error)
	Insert(ctx context.Context, e *store.Entity) error
	Touch(ctx context.Context, id, syncID string, seenAt time.Time) error
	UpdateData(ctx context.Context, id, hash string, normalized, raw json.RawMessage, syncID string, seenAt time.Time) error
}

// Processor reconciles fetched.<type> batches into the entity mirror and
// publishes processed.<type>. Every observed entity is marked with the
// batch's syncId; data is rewritten only when its hash changed.
type Processor struct {
	entityType string
	normalizer Normalizer
	entities   EntityWriter
	bus        bus.Bus
	owner      Owner
	logger     *zap.SugaredLogger
	now        func() time.Time
	subs       []bus.Subscription
}

// NewProcessor creates the processor for one entity type
func NewProcessor(entityType string, normalizer Normalizer, entities EntityWriter, b bus.Bus, owner Owner, log *zap.SugaredLogger) *Processor {
	if normalizer == nil {
		normalizer = PassthroughNormalizer
	}
	return &Processor{
		entityType: entityType,
		normalizer: normalizer,
		entities:   entities,
		bus:        b,
		owner:      ownerOrAll(owner),
		logger:     loggerOrNop(log).With(logger.FieldStage, "process", logger.FieldEntityType, entityType),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start subscribes to fetched.<type>
func (p *Processor) Start() error {
	subs, err := subscribeAll(p.bus, []string{bus.FetchedTopic(p.entityType)}, guard("process", p.logger, p.handle))
	if err != nil {
		return errors.Wrapf(err, "processor %s failed to subscribe", p.entityType)
	}
	p.subs = subs
	return nil
}

// Stop unsubscribes
func (p *Processor) Stop() {
	unsubscribeAll(p.subs)
	p.subs = nil
}

func (p *Processor) handle(ctx context.Context, msg *bus.Message) error {
	var event FetchedEventPayload
	if err := bus.Decode(msg, &event); err != nil {
		return err
	}
	if !p.owner.Owns(event.DataSourceID) {
		return nil
	}
	_, err := p.Process(ctx, &event)
	return err
}

// Process reconciles one batch and publishes the result. Safe to repeat:
// a redelivered batch touches the same entities and updates none.
func (p *Processor) Process(ctx context.Context, event *FetchedEventPayload) (*ProcessedEventPayload, error) {
	start := time.Now()
	scope := event.Scope
	scope.EntityType = p.entityType

	out := &ProcessedEventPayload{
		Scope:            scope,
		EventID:          uuid.NewString(),
		EntityIDs:        make([]string, 0, len(event.Records)),
		ChangedEntityIDs: []string{},
		SyncMetadata:     event.SyncMetadata,
	}

	seenAt := p.now()
	for _, rec := range event.Records {
		outcome, id, err := p.reconcile(ctx, scope, event.SyncMetadata.SyncID, rec, seenAt)
		if err != nil {
			out.Failed++
			p.logger.Warnw("Failed to reconcile record",
				logger.FieldTenantID, scope.TenantID,
				logger.FieldDataSourceID, scope.DataSourceID,
				logger.FieldSyncID, event.SyncMetadata.SyncID,
				"external_id", rec.ExternalID,
				logger.FieldError, err)
			continue
		}

		out.EntityIDs = append(out.EntityIDs, id)
		switch outcome {
		case outcomeCreated:
			out.Created++
			out.ChangedEntityIDs = append(out.ChangedEntityIDs, id)
		case outcomeUpdated:
			out.Updated++
			out.ChangedEntityIDs = append(out.ChangedEntityIDs, id)
		case outcomeRestored:
			out.Restored++
			out.ChangedEntityIDs = append(out.ChangedEntityIDs, id)
		default:
			out.Touched++
		}
	}

	if err := p.bus.Publish(ctx, bus.ProcessedTopic(p.entityType), out); err != nil {
		return out, errors.Wrapf(err, "failed to publish processed batch %d", event.SyncMetadata.BatchNumber)
	}

	p.logger.Infow("Processed batch",
		logger.FieldTenantID, scope.TenantID,
		logger.FieldDataSourceID, scope.DataSourceID,
		logger.FieldSyncID, event.SyncMetadata.SyncID,
		logger.FieldBatchNumber, event.SyncMetadata.BatchNumber,
		logger.FieldFinalBatch, event.SyncMetadata.IsFinalBatch,
		logger.FieldBatchSize, len(event.Records),
		logger.FieldCreated, out.Created,
		logger.FieldUpdated, out.Updated,
		logger.FieldTouched, out.Touched,
		"restored", out.Restored,
		"failed", out.Failed,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return out, nil
}

type outcome int

const (
	outcomeTouched outcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeRestored
)

func (p *Processor) reconcile(ctx context.Context, scope Scope, syncID string, rec RawRecord, seenAt time.Time) (outcome, string, error) {
	if rec.ExternalID == "" {
		return 0, "", errors.NewInvalidRequestError("record without externalId")
	}

	normalized, err := p.normalizer.Normalize(ctx, scope, rec)
	if err != nil {
		return 0, "", errors.Wrap(err, "normalize")
	}
	hash := rec.Hash
	if hash == "" {
		if hash, err = ContentHash(normalized); err != nil {
			return 0, "", err
		}
	}

	key := store.EntityKey{
		TenantID:     scope.TenantID,
		DataSourceID: scope.DataSourceID,
		EntityType:   scope.EntityType,
		ExternalID:   rec.ExternalID,
	}

	existing, err := p.entities.FindByExternalID(ctx, key)
	if errors.IsNotFoundError(err) {
		e := &store.Entity{
			TenantID:       scope.TenantID,
			IntegrationID:  scope.IntegrationID,
			DataSourceID:   scope.DataSourceID,
			EntityType:     scope.EntityType,
			ExternalID:     rec.ExternalID,
			DataHash:       hash,
			NormalizedData: normalized,
			RawData:        rec.Data,
			SyncID:         syncID,
			LastSeenAt:     seenAt,
		}
		err = p.entities.Insert(ctx, e)
		if err == nil {
			return outcomeCreated, e.ID, nil
		}
		if !errors.IsConflictError(err) {
			return 0, "", err
		}
		// Lost an insert race to a redelivery; reconcile against the winner
		existing, err = p.entities.FindByExternalID(ctx, key)
	}
	if err != nil {
		return 0, "", err
	}

	if existing.DataHash == hash {
		if err := p.entities.Touch(ctx, existing.ID, syncID, seenAt); err != nil {
			return 0, "", err
		}
		if existing.IsDeleted() {
			return outcomeRestored, existing.ID, nil
		}
		return outcomeTouched, existing.ID, nil
	}

	if err := p.entities.UpdateData(ctx, existing.ID, hash, normalized, rec.Data, syncID, seenAt); err != nil {
		return 0, "", err
	}
	if existing.IsDeleted() {
		return outcomeRestored, existing.ID, nil
	}
	return outcomeUpdated, existing.ID, nil
}
