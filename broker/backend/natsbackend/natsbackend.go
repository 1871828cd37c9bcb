// Package natsbackend implements backend.Backend on top of NATS.
//
// The work queue is a JetStream stream with work-queue retention consumed
// through one durable pull consumer shared by every worker, so requests
// published while no worker runs are kept. A delivery is acknowledged only
// after its handler returns without error; otherwise it is negatively
// acknowledged and delivered again. Reply queues are private core NATS
// inboxes.
package natsbackend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/senser-io/senser/broker/backend"
	"github.com/senser-io/senser/version"
)

const (
	headerCorrelationID = "Correlation-Id"
	headerReplyTo       = "Reply-To"

	// durable is the consumer shared by every worker of a work queue.
	durable = "senser-workers"

	// ackWait is how long a delivery may stay unacknowledged before the
	// server hands it to another worker.
	ackWait = time.Minute

	defaultWaitTime = time.Second

	pendingMsgs = 256
)

func init() {
	backend.Register("nats", New)
}

// New connects to the server at opts.URL. JetStream must be enabled.
func New(opts *backend.Opts) (backend.Backend, error) {
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name(version.AppVersion()),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				opts.Logger.Warn("Disconnected from NATS: ", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			opts.Logger.Info("Reconnected to NATS at ", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "error connecting to NATS")
	}
	b, err := NewWithConn(opts.Logger, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if opts.WaitTime > 0 {
		b.waitTime = opts.WaitTime
	}
	return b, nil
}

// Backend is a NATS connection.
type Backend struct {
	logger   logrus.FieldLogger
	conn     *nats.Conn
	js       jetstream.JetStream
	waitTime time.Duration

	mu      sync.Mutex
	inboxes map[string]*inbox
	streams map[string]jetstream.Stream
	closed  bool
}

// inbox is a reply subject subscribed from the moment it is declared so no
// reply published before Consume is lost.
type inbox struct {
	sub *nats.Subscription
	ch  chan *nats.Msg
}

var _ backend.Backend = (*Backend)(nil)

// NewWithConn wraps an existing connection. Close drains it.
func NewWithConn(logger logrus.FieldLogger, conn *nats.Conn) (*Backend, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "error opening JetStream context")
	}
	return &Backend{
		logger:   logger,
		conn:     conn,
		js:       js,
		waitTime: defaultWaitTime,
		inboxes:  map[string]*inbox{},
		streams:  map[string]jetstream.Stream{},
	}, nil
}

var streamName = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_")

// StreamName returns the JetStream stream holding the work queue.
func StreamName(queue string) string {
	return streamName.Replace(queue)
}

func isInbox(queue string) bool {
	return strings.HasPrefix(queue, nats.InboxPrefix)
}

// stream creates the work queue stream on first use.
func (b *Backend) stream(ctx context.Context, queue string) (jetstream.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[queue]; ok {
		return s, nil
	}
	s, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName(queue),
		Subjects:  []string{queue},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "error declaring work queue %s", queue)
	}
	b.streams[queue] = s
	return s, nil
}

// Publish implements backend.Backend.
func (b *Backend) Publish(ctx context.Context, queue string, m *backend.Message) error {
	msg := nats.NewMsg(queue)
	msg.Data = m.Body
	if m.CorrelationID != "" {
		msg.Header.Set(headerCorrelationID, m.CorrelationID)
	}
	if m.ReplyTo != "" {
		msg.Header.Set(headerReplyTo, m.ReplyTo)
	}

	if isInbox(queue) {
		if err := b.conn.PublishMsg(msg); err != nil {
			return pkgerrors.Wrapf(err, "error publishing to %s", queue)
		}
		return nil
	}

	if _, err := b.stream(ctx, queue); err != nil {
		return err
	}
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return pkgerrors.Wrapf(err, "error publishing to %s", queue)
	}
	return nil
}

func fromHeader(h nats.Header, body []byte) *backend.Message {
	return &backend.Message{
		Body:          body,
		CorrelationID: h.Get(headerCorrelationID),
		ReplyTo:       h.Get(headerReplyTo),
	}
}

// Consume implements backend.Backend.
func (b *Backend) Consume(ctx context.Context, queue string, h backend.Handler) error {
	if ib, ok := b.inbox(queue); ok {
		return b.consumeInbox(ctx, queue, ib, h)
	}

	s, err := b.stream(ctx, queue)
	if err != nil {
		return err
	}
	cons, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   durable,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   ackWait,
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "error subscribing to %s", queue)
	}

	logger := b.logger.WithField("subject", queue)
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := cons.Fetch(1, jetstream.FetchMaxWait(b.waitTime))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Error receiving a message from JetStream: ", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		for msg := range batch.Messages() {
			b.process(ctx, logger, msg, h)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
			logger.Warn("Fetch ended with an error: ", err)
		}
	}
}

// process runs h and settles the delivery: ack on success, nak otherwise so
// the server delivers it again.
func (b *Backend) process(ctx context.Context, logger logrus.FieldLogger, msg jetstream.Msg, h backend.Handler) {
	if err := h(ctx, fromHeader(msg.Headers(), msg.Data())); err != nil {
		logger.Warn("Message left in the queue for redelivery: ", err)
		if err := msg.Nak(); err != nil {
			logger.Error("Message could not be released: ", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		logger.Error("Message could not be acknowledged: ", err)
	}
}

func (b *Backend) consumeInbox(ctx context.Context, queue string, ib *inbox, h backend.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ib.ch:
			if err := h(ctx, fromHeader(msg.Header, msg.Data)); err != nil {
				b.logger.WithField("subject", queue).Error("Reply dropped after handler failure: ", err)
			}
		}
	}
}

// DeclareReplyQueue implements backend.Backend.
func (b *Backend) DeclareReplyQueue(context.Context) (string, error) {
	name := nats.NewInbox()
	ib := &inbox{ch: make(chan *nats.Msg, pendingMsgs)}
	sub, err := b.conn.ChanSubscribe(name, ib.ch)
	if err != nil {
		return "", pkgerrors.Wrap(err, "error subscribing to reply inbox")
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return "", pkgerrors.Wrap(err, "error subscribing to reply inbox")
	}
	ib.sub = sub
	b.mu.Lock()
	b.inboxes[name] = ib
	b.mu.Unlock()
	return name, nil
}

func (b *Backend) inbox(queue string) (*inbox, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ib, ok := b.inboxes[queue]
	return ib, ok
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
