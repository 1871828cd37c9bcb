package app

import (
	"github.com/sirupsen/logrus"

	"github.com/senser-io/senser/broker"
	"github.com/senser-io/senser/broker/backend"

	// Backends register themselves by name.
	_ "github.com/senser-io/senser/broker/backend/backendmock"
	_ "github.com/senser-io/senser/broker/backend/natsbackend"
	_ "github.com/senser-io/senser/broker/backend/sqsbackend"
)

// dialer opens connections with the configured backend.
func dialer(logger logrus.FieldLogger, config *Config) broker.Dialer {
	return func() (backend.Backend, error) {
		return backend.New(config.Broker.Backend, &backend.Opts{
			Logger:           logger.WithField("backend", config.Broker.Backend),
			URL:              config.Broker.NatsURL,
			Profile:          config.Broker.SQSProfile,
			Endpoint:         config.Broker.SQSEndpoint,
			ReplyQueuePrefix: config.Broker.ReplyQueuePrefix,
			WaitTime:         config.Broker.WaitTime,
		})
	}
}

func brokerOptions(config *Config) []broker.Option {
	return []broker.Option{
		broker.WithWorkQueue(config.Broker.WorkQueue),
		broker.WithTimeout(config.Broker.Timeout),
		broker.WithRetryWait(config.Broker.ConnectRetryWait),
	}
}
