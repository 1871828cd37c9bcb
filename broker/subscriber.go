package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/senser-io/senser/broker/backend"
	bErrors "github.com/senser-io/senser/broker/errors"
	"github.com/senser-io/senser/broker/message"
)

// Handler executes one request. The returned value is encoded as the reply
// result; an error is sent back with its kind.
type Handler func(ctx context.Context, t message.RequestType, data json.RawMessage) (interface{}, error)

// Subscriber is the server side of the bridge.
//
// Messages are taken from the work queue one at a time. For each message the
// subscriber will:
//
// * Open the request envelope. Malformed envelopes are answered with an
// InvalidPayload failure without reaching the handler.
//
// * Run the handler in panic recovery mode and capture its outcome.
//
// * Publish the reply envelope to the message's reply destination tagged
// with its correlation id.
//
// The message is acknowledged only after the reply is published. If the
// reply cannot be published the message stays in the queue and the handler
// may run again, so handlers must tolerate being re-invoked.
type Subscriber struct {
	logger logrus.FieldLogger
	conn   backend.Backend
	opts   *options
}

// NewSubscriber connects to the broker.
func NewSubscriber(logger logrus.FieldLogger, d Dialer, opts ...Option) (*Subscriber, error) {
	o := newOptions(opts)
	conn, err := dial(logger, d, o.retryWait)
	if err != nil {
		return nil, err
	}
	return &Subscriber{logger: logger, conn: conn, opts: o}, nil
}

// Run consumes the work queue until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	s.logger.WithField("queue", s.opts.workQueue).Info("Consuming requests")
	return s.conn.Consume(ctx, s.opts.workQueue, func(ctx context.Context, m *backend.Message) error {
		return s.process(ctx, h, m)
	})
}

func (s *Subscriber) process(ctx context.Context, h Handler, m *backend.Message) error {
	logger := s.logger.WithField("correlationID", m.CorrelationID)

	if body, ok := s.replayed(ctx, logger, m); ok {
		return s.reply(ctx, logger, m, body)
	}

	var (
		reply *message.Reply
		label = "invalid"
	)
	req, err := message.Open(m.Body)
	if err != nil {
		logger.Warn("Rejecting malformed request: ", err)
		reply = message.ErrorReply(bErrors.InvalidPayload, err.Error())
		s.opts.metrics.observeMessage(label, bErrors.New(bErrors.InvalidPayload, err.Error()))
	} else {
		label = req.RequestType.String()
		logger = logger.WithField("type", label)

		result, err := s.handle(ctx, h, req)
		if err != nil {
			logger.Info("Request failed: ", err)
		}
		s.opts.metrics.observeMessage(label, err)

		reply, err = message.NewReply(result, err)
		if err != nil {
			logger.Error("Result could not be encoded: ", err)
			reply = message.ErrorReply(bErrors.Unknown, err.Error())
		}
	}

	if m.ReplyTo == "" {
		logger.Warn("Request has no reply destination, reply discarded")
		return nil
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	if s.opts.journal != nil && m.CorrelationID != "" {
		if err := s.opts.journal.Record(ctx, m.CorrelationID, body); err != nil {
			logger.Warning("Reply journal could not be updated: ", err)
		}
	}
	return s.reply(ctx, logger, m, body)
}

// replayed returns the journaled reply of a request answered before.
// Journal failures are not a reason to stop processing.
func (s *Subscriber) replayed(ctx context.Context, logger logrus.FieldLogger, m *backend.Message) ([]byte, bool) {
	if s.opts.journal == nil || m.CorrelationID == "" || m.ReplyTo == "" {
		return nil, false
	}
	body, ok, err := s.opts.journal.Lookup(ctx, m.CorrelationID)
	if err != nil {
		logger.Warning("Reply journal check failed: ", err)
		return nil, false
	}
	if ok {
		logger.Info("Request answered before, replaying journaled reply")
	}
	return body, ok
}

func (s *Subscriber) reply(ctx context.Context, logger logrus.FieldLogger, m *backend.Message, body []byte) error {
	err := s.conn.Publish(ctx, m.ReplyTo, &backend.Message{
		Body:          body,
		CorrelationID: m.CorrelationID,
	})
	if err != nil {
		logger.Error("Reply could not be published: ", err)
		return err
	}
	return nil
}

// handle runs the handler in panic recovery mode.
func (s *Subscriber) handle(ctx context.Context, h Handler, req *message.Request) (result interface{}, err error) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorf("handler goroutine panic! %s %s", r, debug.Stack())
				result, err = nil, bErrors.New(bErrors.Unknown, fmt.Sprintf("handler panic: %v", r))
			}
		}()
		result, err = h(ctx, req.RequestType, req.Data)
	}()
	wg.Wait()
	return result, err
}

// Close closes the broker connection.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}
