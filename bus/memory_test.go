package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/mspsync/errors"
)

type recorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *recorder) handle(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, msg.Topic)
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	b := NewMemoryBus(zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { b.Close() })
	return b
}

func waitIdle(t *testing.T, b *MemoryBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(ctx))
}

func TestMemoryBus_WildcardRouting(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var all, linked, exact recorder
	_, err := b.Subscribe(">", all.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("linked.*", linked.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("linked.devices", exact.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "linked.companies", map[string]string{"a": "b"}))
	require.NoError(t, b.Publish(ctx, "linked.devices", nil))
	require.NoError(t, b.Publish(ctx, "fetched.devices", nil))
	waitIdle(t, b)

	assert.ElementsMatch(t, []string{"linked.companies", "linked.devices", "fetched.devices"}, all.got())
	assert.Equal(t, []string{"linked.companies", "linked.devices"}, linked.got())
	assert.Equal(t, []string{"linked.devices"}, exact.got())
}

func TestMemoryBus_PayloadIsJSON(t *testing.T) {
	b := newTestBus(t)

	type payload struct {
		SyncID string `json:"syncId"`
	}
	got := make(chan payload, 1)
	_, err := b.Subscribe("fetched.*", func(ctx context.Context, msg *Message) error {
		var p payload
		if err := Decode(msg, &p); err != nil {
			return err
		}
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.PublishedAt.IsZero())
		got <- p
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "fetched.companies", payload{SyncID: "s1"}))

	select {
	case p := <-got:
		assert.Equal(t, "s1", p.SyncID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBus_HandlerFaultsAreIsolated(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var after recorder
	_, err := b.Subscribe("processed.*", func(ctx context.Context, msg *Message) error {
		if LastToken(msg.Topic) == "panics" {
			panic("boom")
		}
		return errors.New("handler failed")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("processed.*", after.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "processed.panics", nil))
	require.NoError(t, b.Publish(ctx, "processed.errors", nil))
	waitIdle(t, b)

	assert.Equal(t, []string{"processed.panics", "processed.errors"}, after.got())
}

func TestMemoryBus_FIFOPerSubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var rec recorder
	_, err := b.Subscribe("fetched.>", rec.handle)
	require.NoError(t, err)

	want := []string{"fetched.a", "fetched.b", "fetched.c", "fetched.d"}
	for _, topic := range want {
		require.NoError(t, b.Publish(ctx, topic, nil))
	}
	waitIdle(t, b)
	assert.Equal(t, want, rec.got())
}

func TestMemoryBus_WaitIdleFollowsCascades(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var rec recorder
	_, err := b.Subscribe("fetched.*", func(ctx context.Context, msg *Message) error {
		return b.Publish(ctx, ProcessedTopic(LastToken(msg.Topic)), nil)
	})
	require.NoError(t, err)
	_, err = b.Subscribe("processed.*", rec.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "fetched.devices", nil))
	waitIdle(t, b)
	assert.Equal(t, []string{"processed.devices"}, rec.got())
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var rec recorder
	sub, err := b.Subscribe("linked.*", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, "linked.*", sub.Pattern())

	require.NoError(t, b.Publish(ctx, "linked.a", nil))
	waitIdle(t, b)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(ctx, "linked.b", nil))
	waitIdle(t, b)

	assert.Equal(t, []string{"linked.a"}, rec.got())
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus(nil)

	var rec recorder
	_, err := b.Subscribe("x.*", rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "x.1", nil))

	require.NoError(t, b.Close())
	assert.Equal(t, []string{"x.1"}, rec.got(), "queued messages drain on close")

	err = b.Publish(context.Background(), "x.2", nil)
	assert.True(t, errors.Is(err, errors.ErrClosed))
	_, err = b.Subscribe("x.*", rec.handle)
	assert.Error(t, err)
	assert.NoError(t, b.Close())
}

func TestMemoryBus_RejectsInvalidTopics(t *testing.T) {
	b := newTestBus(t)
	assert.Error(t, b.Publish(context.Background(), "linked.*", nil))
	_, err := b.Subscribe("a.>.b", func(context.Context, *Message) error { return nil })
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	for _, dsn := range []string{"", "memory://"} {
		b, err := Open(dsn, nil)
		require.NoError(t, err)
		assert.IsType(t, &MemoryBus{}, b)
		require.NoError(t, b.Close())
	}

	_, err := Open("kafka://broker:9092", nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = Open("nats://127.0.0.1:1", nil)
	assert.Error(t, err, "no NATS server listens on port 1")
}
