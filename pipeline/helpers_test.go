package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/mspsync/bus"
	testdb "github.com/teranos/mspsync/internal/testing"
	"github.com/teranos/mspsync/store"
)

func newTestBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus(zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(testdb.CreateTestDB(t))
}

func waitIdle(t *testing.T, b *bus.MemoryBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(ctx))
}

// collector records every message delivered on a pattern
type collector struct {
	mu   sync.Mutex
	msgs []*bus.Message
}

func collect(t *testing.T, b bus.Bus, pattern string) *collector {
	t.Helper()
	c := &collector{}
	_, err := b.Subscribe(pattern, func(_ context.Context, msg *bus.Message) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.msgs = append(c.msgs, msg)
		return nil
	})
	require.NoError(t, err)
	return c
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Topic
	}
	return out
}

func (c *collector) decode(t *testing.T, i int, v any) {
	t.Helper()
	c.mu.Lock()
	msg := c.msgs[i]
	c.mu.Unlock()
	require.NoError(t, bus.Decode(msg, v))
}

var testScope = Scope{
	TenantID:      "t1",
	IntegrationID: "entra",
	DataSourceID:  "ds1",
	EntityType:    "identities",
}

func fetched(syncID string, batch int, final bool, records ...RawRecord) *FetchedEventPayload {
	return &FetchedEventPayload{
		Scope:   testScope,
		EventID: "evt-" + syncID,
		Records: records,
		SyncMetadata: SyncMetadata{
			SyncID:       syncID,
			BatchNumber:  batch,
			IsFinalBatch: final,
		},
	}
}

func record(externalID, data string) RawRecord {
	return RawRecord{ExternalID: externalID, Data: []byte(data)}
}
