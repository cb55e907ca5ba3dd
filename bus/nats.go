package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/teranos/mspsync/errors"
)

const (
	headerMessageID   = "Mspsync-Message-Id"
	headerPublishedAt = "Mspsync-Published-At"
)

// NATSBus maps topics onto NATS subjects. NATS already implements the same
// "*" and ">" wildcard semantics, so patterns are passed through unchanged.
type NATSBus struct {
	nc     *nats.Conn
	logger *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNATSBus wraps an established connection
func NewNATSBus(nc *nats.Conn, logger *zap.SugaredLogger) *NATSBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSBus{nc: nc, logger: logger, ctx: ctx, cancel: cancel}
}

// ConnectNATS dials url and wraps the connection
func ConnectNATS(url string, logger *zap.SugaredLogger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("mspsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %s", url)
	}
	return NewNATSBus(nc, logger), nil
}

// Publish sends payload on the subject named by topic
func (b *NATSBus) Publish(ctx context.Context, topic string, payload any) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	data, err := encode(payload)
	if err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}

	msg := nats.NewMsg(topic)
	msg.Data = data
	msg.Header.Set(headerMessageID, uuid.NewString())
	msg.Header.Set(headerPublishedAt, time.Now().UTC().Format(time.RFC3339Nano))

	if err := b.nc.PublishMsg(msg); err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	return nil
}

// Subscribe registers h on a NATS subject pattern. NATS serializes callbacks per subscription.
func (b *NATSBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	sub, err := b.nc.Subscribe(pattern, func(m *nats.Msg) {
		b.deliver(pattern, h, m)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", pattern)
	}
	return &natsSub{sub: sub, pattern: pattern}, nil
}

func (b *NATSBus) deliver(pattern string, h Handler, m *nats.Msg) {
	msg := &Message{
		ID:    m.Header.Get(headerMessageID),
		Topic: m.Subject,
		Data:  m.Data,
	}
	if ts := m.Header.Get(headerPublishedAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.PublishedAt = t
		}
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("Subscriber panicked",
				"pattern", pattern,
				"topic", msg.Topic,
				"panic", fmt.Sprint(r))
		}
	}()

	if err := h(b.ctx, msg); err != nil {
		b.logger.Warnw("Subscriber failed",
			"pattern", pattern,
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err)
	}
}

// Close drains in-flight messages and closes the connection
func (b *NATSBus) Close() error {
	defer b.cancel()
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		return errors.Wrap(err, "failed to drain NATS connection")
	}
	return nil
}

type natsSub struct {
	sub     *nats.Subscription
	pattern string
}

func (s *natsSub) Pattern() string { return s.pattern }

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
