package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/store"
)

type processorFixture struct {
	ctx       context.Context
	store     *store.Store
	bus       *bus.MemoryBus
	processor *Processor
	clock     time.Time
}

func newProcessorFixture(t *testing.T) *processorFixture {
	f := &processorFixture{
		ctx:   context.Background(),
		store: newTestStore(t),
		bus:   newTestBus(t),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.processor = NewProcessor("identities", nil, f.store.Entities, f.bus, nil, zaptest.NewLogger(t).Sugar())
	f.processor.now = func() time.Time { return f.clock }
	return f
}

func (f *processorFixture) entity(t *testing.T, externalID string) *store.Entity {
	t.Helper()
	e, err := f.store.Entities.FindByExternalID(f.ctx, store.EntityKey{
		TenantID: "t1", DataSourceID: "ds1", EntityType: "identities", ExternalID: externalID,
	})
	require.NoError(t, err)
	return e
}

func TestProcessor_IdempotentReconciliation(t *testing.T) {
	f := newProcessorFixture(t)
	batch := fetched("sync-1", 1, true,
		record("u1", `{"upn":"ada@acme.test","mfa":true}`),
		record("u2", `{"upn":"bob@acme.test","mfa":false}`))

	first, err := f.processor.Process(f.ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)
	assert.Len(t, first.EntityIDs, 2)
	hash := f.entity(t, "u1").DataHash

	second, err := f.processor.Process(f.ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 2, second.Touched)
	assert.Empty(t, second.ChangedEntityIDs)
	assert.ElementsMatch(t, first.EntityIDs, second.EntityIDs)
	assert.Equal(t, hash, f.entity(t, "u1").DataHash)

	live, err := f.store.Entities.ListLive(f.ctx, "ds1", "identities")
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestProcessor_HashGatedWrites(t *testing.T) {
	f := newProcessorFixture(t)
	_, err := f.processor.Process(f.ctx, fetched("sync-1", 1, true, record("u1", `{"upn":"ada@acme.test","mfa":true}`)))
	require.NoError(t, err)
	before := f.entity(t, "u1")

	f.clock = f.clock.Add(time.Hour)
	// same content, different key order
	out, err := f.processor.Process(f.ctx, fetched("sync-2", 1, true, record("u1", `{"mfa":true,"upn":"ada@acme.test"}`)))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Touched)

	after := f.entity(t, "u1")
	assert.Equal(t, "sync-2", after.SyncID)
	assert.True(t, f.clock.Equal(after.LastSeenAt))
	assert.Equal(t, before.DataHash, after.DataHash)
	assert.JSONEq(t, string(before.NormalizedData), string(after.NormalizedData))
	assert.Equal(t, `{"upn":"ada@acme.test","mfa":true}`, string(after.RawData), "raw data is not rewritten")

	out, err = f.processor.Process(f.ctx, fetched("sync-3", 1, true, record("u1", `{"upn":"ada@acme.test","mfa":false}`)))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Updated)
	assert.Equal(t, out.EntityIDs, out.ChangedEntityIDs)
	changed := f.entity(t, "u1")
	assert.NotEqual(t, before.DataHash, changed.DataHash)
	assert.JSONEq(t, `{"upn":"ada@acme.test","mfa":false}`, string(changed.NormalizedData))
}

func TestProcessor_Restoration(t *testing.T) {
	f := newProcessorFixture(t)
	_, err := f.processor.Process(f.ctx, fetched("sync-1", 1, true, record("u1", `{"upn":"ada@acme.test"}`)))
	require.NoError(t, err)
	e := f.entity(t, "u1")
	ok, err := f.store.Entities.SoftDelete(f.ctx, e.ID, f.clock)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, f.entity(t, "u1").IsDeleted())

	out, err := f.processor.Process(f.ctx, fetched("sync-3", 1, true, record("u1", `{"upn":"ada@acme.test","renamed":true}`)))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Restored)
	assert.Equal(t, []string{e.ID}, out.ChangedEntityIDs)

	restored := f.entity(t, "u1")
	assert.False(t, restored.IsDeleted())
	assert.Equal(t, store.Active{}, restored.State)
	assert.Equal(t, "sync-3", restored.SyncID)
	assert.JSONEq(t, `{"upn":"ada@acme.test","renamed":true}`, string(restored.NormalizedData))
}

func TestProcessor_Normalizer(t *testing.T) {
	f := newProcessorFixture(t)
	f.processor.normalizer = NormalizerFunc(func(_ context.Context, scope Scope, rec RawRecord) (json.RawMessage, error) {
		var raw map[string]any
		if err := json.Unmarshal(rec.Data, &raw); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"email": raw["userPrincipalName"], "type": scope.EntityType})
	})

	out, err := f.processor.Process(f.ctx, fetched("sync-1", 1, true,
		record("u1", `{"userPrincipalName":"ada@acme.test","extra":1}`),
		record("u2", `not json`),
		record("", `{}`)))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Created)
	assert.Equal(t, 2, out.Failed)

	e := f.entity(t, "u1")
	assert.JSONEq(t, `{"email":"ada@acme.test","type":"identities"}`, string(e.NormalizedData))
	assert.JSONEq(t, `{"userPrincipalName":"ada@acme.test","extra":1}`, string(e.RawData))
}

func TestProcessor_AcceptsSuppliedHash(t *testing.T) {
	f := newProcessorFixture(t)
	rec := record("u1", `{"upn":"ada@acme.test"}`)
	rec.Hash = "vendor-etag-1"
	_, err := f.processor.Process(f.ctx, fetched("sync-1", 1, true, rec))
	require.NoError(t, err)
	assert.Equal(t, "vendor-etag-1", f.entity(t, "u1").DataHash)
}

func TestProcessor_PublishesOverBus(t *testing.T) {
	f := newProcessorFixture(t)
	processed := collect(t, f.bus, "processed.>")
	require.NoError(t, f.processor.Start())
	defer f.processor.Stop()

	batch := fetched("sync-1", 3, false, record("u1", `{"upn":"ada@acme.test"}`))
	batch.SyncMetadata.Cursor = "next-page"
	require.NoError(t, f.bus.Publish(f.ctx, bus.FetchedTopic("identities"), batch))
	require.NoError(t, f.bus.Publish(f.ctx, bus.FetchedTopic("identities"), "not an event"))
	waitIdle(t, f.bus)

	require.Equal(t, 1, processed.len())
	assert.Equal(t, []string{"processed.identities"}, processed.topics())

	var out ProcessedEventPayload
	processed.decode(t, 0, &out)
	assert.Equal(t, batch.SyncMetadata, out.SyncMetadata, "sync metadata passes through")
	assert.Equal(t, testScope, out.Scope)
	assert.Equal(t, 1, out.Created)
}
