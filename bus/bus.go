// Package bus is the topic-based publish/subscribe layer every pipeline stage talks through.
//
// Topics are dot-separated tokens. Subscriptions may use two wildcards:
// "*" matches exactly one token and ">" (last token only) matches one or more
// remaining tokens. Delivery is at-least-once; handlers must be idempotent.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/mspsync/errors"
)

// Message is one delivered publication
type Message struct {
	ID          string
	Topic       string
	Data        []byte
	PublishedAt time.Time
}

// Handler processes a delivered message. Returned errors are logged by the bus
// and never redelivered by it; retries are the publisher's concern.
type Handler func(ctx context.Context, msg *Message) error

// Publisher publishes a payload, JSON encoding it once.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Subscription is an active subscription
type Subscription interface {
	Pattern() string
	Unsubscribe() error
}

// Bus is a publisher that also accepts subscriptions
type Bus interface {
	Publisher
	Subscribe(pattern string, h Handler) (Subscription, error)
	Close() error
}

// Decode unmarshals a message body into v.
func Decode(msg *Message, v any) error {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return errors.Wrapf(err, "failed to decode message on %s", msg.Topic)
	}
	return nil
}

// encode turns a payload into a message body. Raw bytes pass through untouched.
func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode payload")
	}
	return data, nil
}
