package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/logger"
)

// Owner decides whether this process is responsible for a key. Stages that
// keep per-process state consult it so that, with several instances on a
// shared bus, each key is handled by exactly one of them.
type Owner interface {
	Owns(key string) bool
}

type ownsAll struct{}

func (ownsAll) Owns(string) bool { return true }

// OwnsAll is the single-instance Owner
var OwnsAll Owner = ownsAll{}

func ownerOrAll(o Owner) Owner {
	if o == nil {
		return OwnsAll
	}
	return o
}

func loggerOrNop(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return zap.NewNop().Sugar()
	}
	return log
}

// guard isolates a stage handler: errors and panics are logged with stage
// context and swallowed so the bus keeps delivering.
func guard(stage string, log *zap.SugaredLogger, h bus.Handler) bus.Handler {
	return func(ctx context.Context, msg *bus.Message) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("Stage handler panicked",
					logger.FieldStage, stage,
					logger.FieldTopic, msg.Topic,
					logger.FieldEventID, msg.ID,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
				err = nil
			}
		}()

		if herr := h(ctx, msg); herr != nil {
			log.Warnw("Stage handler failed",
				logger.FieldStage, stage,
				logger.FieldTopic, msg.Topic,
				logger.FieldEventID, msg.ID,
				logger.FieldError, herr)
		}
		return nil
	}
}

// subscribeAll subscribes h to every pattern, unwinding on failure
func subscribeAll(b bus.Bus, patterns []string, h bus.Handler) ([]bus.Subscription, error) {
	subs := make([]bus.Subscription, 0, len(patterns))
	for _, p := range patterns {
		sub, err := b.Subscribe(p, h)
		if err != nil {
			unsubscribeAll(subs)
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func unsubscribeAll(subs []bus.Subscription) {
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}
