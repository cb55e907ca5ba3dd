package bus

import (
	"net/url"

	"go.uber.org/zap"

	"github.com/teranos/mspsync/errors"
)

// Open builds a bus from a DSN. Supported schemes:
//
//	memory://            in-process bus (default when dsn is empty)
//	nats://host:4222     NATS server
func Open(dsn string, logger *zap.SugaredLogger) (Bus, error) {
	if dsn == "" {
		return NewMemoryBus(logger), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid bus url %q", dsn)
	}

	switch u.Scheme {
	case "memory":
		return NewMemoryBus(logger), nil
	case "nats":
		return ConnectNATS(dsn, logger)
	default:
		return nil, errors.NewInvalidRequestError("unsupported bus scheme %q", u.Scheme)
	}
}
