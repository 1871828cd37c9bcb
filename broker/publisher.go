package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/senser-io/senser/broker/backend"
	bErrors "github.com/senser-io/senser/broker/errors"
	"github.com/senser-io/senser/broker/message"
)

// Publisher is the client side of the bridge.
//
// It owns one broker connection and one exclusive reply queue. A background
// consumer watches the reply queue and hands each reply to the call waiting
// on its correlation id, so any number of calls can be in flight at once.
// Replies that match no waiting call (late or foreign) are discarded.
type Publisher struct {
	logger     logrus.FieldLogger
	conn       backend.Backend
	replyQueue string
	opts       *options
	pending    *pending

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewPublisher connects to the broker, declares the reply queue and starts
// listening on it.
func NewPublisher(logger logrus.FieldLogger, d Dialer, opts ...Option) (*Publisher, error) {
	o := newOptions(opts)
	conn, err := dial(logger, d, o.retryWait)
	if err != nil {
		return nil, err
	}

	replyQueue, err := conn.DeclareReplyQueue(context.Background())
	if err != nil {
		conn.Close()
		return nil, bErrors.Wrap(bErrors.UpstreamUnavailable, err, "reply queue could not be declared")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		logger:     logger.WithField("replyQueue", replyQueue),
		conn:       conn,
		replyQueue: replyQueue,
		opts:       o,
		pending:    newPending(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go p.listen(ctx)

	return p, nil
}

func (p *Publisher) listen(ctx context.Context) {
	defer close(p.done)
	err := p.conn.Consume(ctx, p.replyQueue, func(_ context.Context, m *backend.Message) error {
		if !p.pending.resolve(m.CorrelationID, m.Body) {
			p.logger.WithField("correlationID", m.CorrelationID).Debug("Discarding reply without a waiting call")
		}
		return nil
	})
	if err != nil {
		p.logger.Error("Reply consumer stopped: ", err)
	}
}

// Call publishes a request and blocks until its reply arrives or ctx is done.
// When ctx has no deadline the publisher's default timeout applies. Remote
// failures are returned with the kind reported by the worker.
func (p *Publisher) Call(ctx context.Context, t message.RequestType, data interface{}) (result json.RawMessage, err error) {
	started := time.Now()
	defer func() {
		p.opts.metrics.observeCall(t.String(), started, err)
	}()

	if _, ok := ctx.Deadline(); !ok && p.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.timeout)
		defer cancel()
	}

	req, err := message.NewRequest(t, data)
	if err != nil {
		return nil, bErrors.Wrap(bErrors.InvalidPayload, err, "request could not be encoded")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, bErrors.Wrap(bErrors.InvalidPayload, err, "request could not be encoded")
	}

	id := uuid.New().String()
	logger := p.logger.WithFields(logrus.Fields{"correlationID": id, "type": t})

	slot := p.pending.add(id)
	p.opts.metrics.setPending(p.pending.len())
	defer func() {
		p.pending.remove(id)
		p.opts.metrics.setPending(p.pending.len())
	}()

	err = p.conn.Publish(ctx, p.opts.workQueue, &backend.Message{
		Body:          body,
		CorrelationID: id,
		ReplyTo:       p.replyQueue,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, p.abandoned(ctx)
		}
		return nil, bErrors.Wrap(bErrors.UpstreamUnavailable, err, "request could not be published")
	}
	logger.Debug("Request published")

	select {
	case blob := <-slot:
		reply, err := message.OpenReply(blob)
		if err != nil {
			return nil, bErrors.Wrap(bErrors.Unknown, err, "malformed reply")
		}
		if err := reply.Err(); err != nil {
			return nil, err
		}
		return reply.Result, nil
	case <-ctx.Done():
		logger.Warn("Call abandoned: ", ctx.Err())
		return nil, p.abandoned(ctx)
	case <-p.done:
		return nil, bErrors.New(bErrors.UpstreamUnavailable, "publisher is closed")
	}
}

func (p *Publisher) abandoned(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return bErrors.New(bErrors.Timeout, "no reply received before the deadline")
	}
	return bErrors.Wrap(bErrors.Unknown, ctx.Err(), "call cancelled")
}

// ReplyQueue returns the name of the exclusive reply queue.
func (p *Publisher) ReplyQueue() string {
	return p.replyQueue
}

// Close stops the reply consumer and closes the connection. Calls still
// waiting fail with UpstreamUnavailable.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
		err = p.conn.Close()
	})
	return err
}
