package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/mspsync/errors"
)

// MemoryBus is an in-process bus. Each subscription owns an unbounded FIFO
// drained by its own goroutine, so a slow handler never blocks publishers
// or other subscribers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySub
	nextID uint64
	closed bool

	pending atomic.Int64
	logger  *zap.SugaredLogger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(logger *zap.SugaredLogger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		subs:   make(map[uint64]*memorySub),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish delivers payload to every subscription whose pattern matches topic
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	data, err := encode(payload)
	if err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}

	msg := &Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Data:        data,
		PublishedAt: time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.Wrapf(errors.ErrClosed, "publish %s", topic)
	}

	for _, sub := range b.subs {
		if MatchTopic(sub.pattern, topic) {
			b.pending.Add(1)
			if !sub.enqueue(msg) {
				b.pending.Add(-1)
			}
		}
	}
	return nil
}

// Subscribe registers h for every topic matched by pattern
func (b *MemoryBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.Wrapf(errors.ErrClosed, "subscribe %s", pattern)
	}

	b.nextID++
	sub := &memorySub{
		id:      b.nextID,
		pattern: pattern,
		handler: h,
		bus:     b,
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go sub.run()

	b.logger.Debugw("Subscribed", "pattern", pattern)
	return sub, nil
}

// WaitIdle blocks until every delivered message has been handled, including
// messages published by handlers while waiting.
func (b *MemoryBus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if b.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting publications, lets subscriptions drain their queues and waits for them
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.wg.Wait()
	b.cancel()
	return nil
}

func (b *MemoryBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

type memorySub struct {
	id      uint64
	pattern string
	handler Handler
	bus     *MemoryBus

	mu       sync.Mutex
	queue    []*Message
	closed   bool
	signal   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *memorySub) Pattern() string { return s.pattern }

func (s *memorySub) Unsubscribe() error {
	s.bus.remove(s.id)
	s.close()
	return nil
}

func (s *memorySub) enqueue(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, msg)
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *memorySub) dequeue() (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return msg, true
}

func (s *memorySub) close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
	})
}

func (s *memorySub) run() {
	defer s.bus.wg.Done()
	for {
		for {
			msg, ok := s.dequeue()
			if !ok {
				break
			}
			s.deliver(msg)
		}
		select {
		case <-s.signal:
		case <-s.stop:
			// drain whatever was enqueued before close
			for {
				msg, ok := s.dequeue()
				if !ok {
					return
				}
				s.deliver(msg)
			}
		}
	}
}

func (s *memorySub) deliver(msg *Message) {
	defer s.bus.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Errorw("Subscriber panicked",
				"pattern", s.pattern,
				"topic", msg.Topic,
				"panic", fmt.Sprint(r))
		}
	}()

	if err := s.handler(s.bus.ctx, msg); err != nil {
		s.bus.logger.Warnw("Subscriber failed",
			"pattern", s.pattern,
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err)
	}
}
