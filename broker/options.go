package broker

import (
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/sirupsen/logrus"

	"github.com/senser-io/senser/broker/backend"
	bErrors "github.com/senser-io/senser/broker/errors"
)

const (
	// DefaultWorkQueue is the well-known queue consumed by subscribers.
	DefaultWorkQueue = "senser-work"

	// DefaultTimeout bounds calls whose context carries no deadline.
	DefaultTimeout = 30 * time.Second

	// DefaultRetryWait is the pause before the single connection retry.
	DefaultRetryWait = 2 * time.Second
)

// Dialer opens a broker connection.
type Dialer func() (backend.Backend, error)

type options struct {
	workQueue string
	timeout   time.Duration
	retryWait time.Duration
	metrics   *Metrics
	journal   Journal
}

// Option configures a Publisher or a Subscriber.
type Option func(*options)

// WithWorkQueue overrides DefaultWorkQueue.
func WithWorkQueue(name string) Option {
	return func(o *options) {
		if name != "" {
			o.workQueue = name
		}
	}
}

// WithTimeout overrides DefaultTimeout. Zero disables the default deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRetryWait overrides DefaultRetryWait.
func WithRetryWait(d time.Duration) Option {
	return func(o *options) {
		o.retryWait = d
	}
}

// WithMetrics makes the component record its activity in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithJournal makes a Subscriber answer redelivered requests from j instead
// of running their handler again.
func WithJournal(j Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		workQueue: DefaultWorkQueue,
		timeout:   DefaultTimeout,
		retryWait: DefaultRetryWait,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// dial opens a connection, retrying once after a fixed wait.
func dial(logger logrus.FieldLogger, d Dialer, wait time.Duration) (backend.Backend, error) {
	var conn backend.Backend
	attempt := func() error {
		c, err := d()
		if err != nil {
			logger.Warn("Broker connection failed: ", err)
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), 1)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, bErrors.Wrap(bErrors.UpstreamUnavailable, err, "broker connection could not be established")
	}
	return conn, nil
}
