// Package backendmock is an in-memory broker. It implements the queue
// semantics the bridge relies on (competing consumers on a shared queue,
// exclusive reply queues, redelivery of unacknowledged messages) and is
// registered as the "memory" backend.
package backendmock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/senser-io/senser/broker/backend"
)

// queueCapacity is the number of messages a queue holds before publishers
// block.
const queueCapacity = 1024

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

func init() {
	backend.Register("memory", New)
}

var defaultBroker = NewBroker()

// New returns a connection to the process-wide in-memory broker.
func New(opts *backend.Opts) (backend.Backend, error) {
	return defaultBroker.Connect(opts.Logger), nil
}

// Broker holds the queues shared by every connection.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queue
	gone        map[string]struct{}
	redelivered int64
}

type queue struct {
	ch    chan *backend.Message
	owner *BackendImpl
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues: map[string]*queue{},
		gone:   map[string]struct{}{},
	}
}

// Connect opens a new connection.
func (br *Broker) Connect(logger log.FieldLogger) *BackendImpl {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &BackendImpl{
		broker: br,
		Logger: logger,
		done:   make(chan struct{}),
	}
}

// Depth returns the number of messages waiting in a queue.
func (br *Broker) Depth(name string) int {
	br.mu.Lock()
	defer br.mu.Unlock()
	q, ok := br.queues[name]
	if !ok {
		return 0
	}
	return len(q.ch)
}

// Redelivered returns how many messages went back to their queue after a
// failed handler.
func (br *Broker) Redelivered() int64 {
	return atomic.LoadInt64(&br.redelivered)
}

// lookup returns the queue, declaring it on first use. Deleted exclusive
// queues are not resurrected.
func (br *Broker) lookup(name string) (*queue, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if q, ok := br.queues[name]; ok {
		return q, true
	}
	if _, ok := br.gone[name]; ok {
		return nil, false
	}
	q := &queue{ch: make(chan *backend.Message, queueCapacity)}
	br.queues[name] = q
	return q, true
}

func (br *Broker) declareExclusive(owner *BackendImpl) string {
	br.mu.Lock()
	defer br.mu.Unlock()
	name := "amq.gen-" + uuid.New().String()
	br.queues[name] = &queue{ch: make(chan *backend.Message, queueCapacity), owner: owner}
	return name
}

func (br *Broker) delete(name string) {
	br.mu.Lock()
	defer br.mu.Unlock()
	delete(br.queues, name)
	br.gone[name] = struct{}{}
}

// BackendImpl is a connection to a Broker.
type BackendImpl struct {
	Logger log.FieldLogger

	// PublishErr, when set, makes every Publish fail.
	PublishErr error

	broker *Broker
	mu     sync.Mutex
	owned  []string
	closed bool
	done   chan struct{}
}

var _ backend.Backend = (*BackendImpl)(nil)

// Publish implements backend.Backend.
func (b *BackendImpl) Publish(ctx context.Context, name string, m *backend.Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	if b.PublishErr != nil {
		return b.PublishErr
	}
	q, ok := b.broker.lookup(name)
	if !ok {
		// Unroutable; the broker drops it.
		b.Logger.WithField("queue", name).Debug("Message dropped, queue does not exist")
		return nil
	}
	cp := *m
	select {
	case q.ch <- &cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume implements backend.Backend.
func (b *BackendImpl) Consume(ctx context.Context, name string, h backend.Handler) error {
	q, ok := b.broker.lookup(name)
	if !ok {
		return errors.New("queue does not exist: " + name)
	}
	if q.owner != nil && q.owner != b {
		return errors.New("queue is exclusive to another connection: " + name)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case m := <-q.ch:
			if err := h(ctx, m); err != nil {
				atomic.AddInt64(&b.broker.redelivered, 1)
				select {
				case q.ch <- m:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// DeclareReplyQueue implements backend.Backend.
func (b *BackendImpl) DeclareReplyQueue(context.Context) (string, error) {
	if b.isClosed() {
		return "", ErrClosed
	}
	name := b.broker.declareExclusive(b)
	b.mu.Lock()
	b.owned = append(b.owned, name)
	b.mu.Unlock()
	return name, nil
}

// Close implements backend.Backend.
func (b *BackendImpl) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for _, name := range b.owned {
		b.broker.delete(name)
	}
	return nil
}

func (b *BackendImpl) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
