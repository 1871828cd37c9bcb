// Package natskv implements the key-value cache on a NATS JetStream
// KeyValue bucket.
package natskv

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	pkgerrors "github.com/pkg/errors"

	"github.com/senser-io/senser/store"
)

// DefaultBucket holds the latest reading of every sensor.
const DefaultBucket = "senser_last_data"

// Cache is the key-value store. Only the latest revision of a key is kept.
type Cache struct {
	conn *nats.Conn
	kv   jetstream.KeyValue
}

var _ store.Cache = (*Cache)(nil)

// Dial connects to url and opens the bucket, creating it on first use.
func Dial(ctx context.Context, url, bucket string) (*Cache, error) {
	conn, err := nats.Connect(url, nats.Name("senser-cache"))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to connect to NATS")
	}
	c, err := New(ctx, conn, bucket)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New opens the bucket on an existing connection, which it owns.
func New(ctx context.Context, conn *nats.Conn, bucket string) (*Cache, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open JetStream context")
	}
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Latest reading per sensor",
			History:     1,
		})
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open bucket %s", bucket)
	}
	return &Cache{conn: conn, kv: kv}, nil
}

// Get implements store.Cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := c.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get %s", key)
	}
	return entry.Value(), nil
}

// Set implements store.Cache.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.kv.Put(ctx, key, value)
	return pkgerrors.Wrapf(err, "failed to set %s", key)
}

// Close closes the connection.
func (c *Cache) Close() {
	c.conn.Close()
}
