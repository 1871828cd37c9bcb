// Package backend abstracts the message broker used by the RPC bridge.
//
// A backend offers a direct point-to-point work queue that many consumers may
// compete for, and exclusive reply queues owned by a single connection.
// Implementations register themselves by name so the application can pick
// one from its configuration.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Message is a delivery as seen by the bridge. Properties travel outside of
// the body.
type Message struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
}

// Handler processes one delivery. Returning nil acknowledges the message,
// returning an error leaves it in the queue for redelivery where the backend
// supports it.
type Handler func(ctx context.Context, m *Message) error

// Backend is a broker connection.
type Backend interface {
	// Publish sends a message to the named queue.
	Publish(ctx context.Context, queue string, m *Message) error

	// Consume delivers messages from the named queue to h, one at a time,
	// until ctx is cancelled.
	Consume(ctx context.Context, queue string, h Handler) error

	// DeclareReplyQueue creates a queue owned exclusively by this connection
	// and returns its name. The queue is destroyed by Close.
	DeclareReplyQueue(ctx context.Context) (string, error)

	// Close releases the connection and its exclusive queues.
	Close() error
}

// Opts carries the settings every backend constructor receives.
type Opts struct {
	Logger logrus.FieldLogger

	// URL of the broker, e.g. nats://localhost:4222.
	URL string

	// AWS settings used by the SQS backend.
	Profile  string
	Endpoint string

	// ReplyQueuePrefix names the exclusive queues where the broker does not
	// generate names.
	ReplyQueuePrefix string

	// WaitTime is the long-poll duration used by backends that poll.
	WaitTime time.Duration
}

// Constructor opens a backend connection.
type Constructor func(opts *Opts) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a backend available by name. It panics when the name is
// registered twice.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if ctor == nil {
		panic("backend: Register constructor is nil")
	}
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	registry[name] = ctor
}

// New opens a connection using the backend registered under name.
func New(name string, opts *Opts) (Backend, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (forgotten import?)", name)
	}
	if opts == nil {
		opts = &Opts{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return ctor(opts)
}

// Backends returns the sorted list of registered names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var list []string
	for name := range registry {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}
