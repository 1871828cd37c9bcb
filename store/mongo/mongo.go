// Package mongo implements the document store on MongoDB.
//
// Each operation runs on a copy of the root session, which takes a socket
// from the driver pool and returns it when the operation ends.
package mongo

import (
	"context"
	"sync"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/pkg/errors"

	"github.com/senser-io/senser/store"
)

const (
	DefaultDatabase   = "sensors"
	DefaultCollection = "sensorsCol"

	dialTimeout = 10 * time.Second
)

// Documents is the document store.
type Documents struct {
	session    *mgo.Session
	database   string
	collection string

	indexOnce sync.Once
	indexErr  error
}

var _ store.Documents = (*Documents)(nil)

// Dial connects to the server at url.
func Dial(url, database, collection string) (*Documents, error) {
	session, err := mgo.DialWithTimeout(url, dialTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mongodb")
	}
	session.SetMode(mgo.Monotonic, true)
	return New(session, database, collection), nil
}

// New returns a document store using session, which it owns.
func New(session *mgo.Session, database, collection string) *Documents {
	if database == "" {
		database = DefaultDatabase
	}
	if collection == "" {
		collection = DefaultCollection
	}
	return &Documents{session: session, database: database, collection: collection}
}

// Close releases the root session.
func (d *Documents) Close() {
	d.session.Close()
}

// with runs fn on a fresh session unless ctx is already done.
func (d *Documents) with(ctx context.Context, fn func(c *mgo.Collection) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session := d.session.Copy()
	defer session.Close()
	if deadline, ok := ctx.Deadline(); ok {
		session.SetSocketTimeout(time.Until(deadline))
	}
	return fn(session.DB(d.database).C(d.collection))
}

// ensureIndexes creates the indexes needed by the queries once per process.
func (d *Documents) ensureIndexes(c *mgo.Collection) error {
	d.indexOnce.Do(func() {
		d.indexErr = c.EnsureIndex(mgo.Index{Key: []string{"$2dsphere:location"}})
		if d.indexErr == nil {
			d.indexErr = c.EnsureIndex(mgo.Index{Key: []string{"sensor_id"}, Unique: true})
		}
	})
	return d.indexErr
}

// FindOne implements store.Documents.
func (d *Documents) FindOne(ctx context.Context, sensorID int64) (*store.SensorDocument, error) {
	doc := &store.SensorDocument{}
	err := d.with(ctx, func(c *mgo.Collection) error {
		return c.Find(bson.M{"sensor_id": sensorID}).One(doc)
	})
	if err == mgo.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find document of sensor %d", sensorID)
	}
	return doc, nil
}

func selector(filter store.DocumentFilter) bson.M {
	q := bson.M{}
	if len(filter.SensorIDs) > 0 {
		q["sensor_id"] = bson.M{"$in": filter.SensorIDs}
	}
	if filter.Type != "" {
		q["type"] = filter.Type
	}
	return q
}

// FindMany implements store.Documents.
func (d *Documents) FindMany(ctx context.Context, filter store.DocumentFilter) ([]store.SensorDocument, error) {
	docs := []store.SensorDocument{}
	err := d.with(ctx, func(c *mgo.Collection) error {
		return c.Find(selector(filter)).Sort("sensor_id").All(&docs)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to find documents")
	}
	return docs, nil
}

// InsertOne implements store.Documents.
func (d *Documents) InsertOne(ctx context.Context, doc *store.SensorDocument) error {
	err := d.with(ctx, func(c *mgo.Collection) error {
		if err := d.ensureIndexes(c); err != nil {
			return err
		}
		_, err := c.Upsert(bson.M{"sensor_id": doc.SensorID}, doc)
		return err
	})
	return errors.Wrapf(err, "failed to store document of sensor %d", doc.SensorID)
}

// DeleteOne implements store.Documents. Deleting a missing document is not
// an error.
func (d *Documents) DeleteOne(ctx context.Context, sensorID int64) error {
	err := d.with(ctx, func(c *mgo.Collection) error {
		return c.Remove(bson.M{"sensor_id": sensorID})
	})
	if err == mgo.ErrNotFound {
		return nil
	}
	return errors.Wrapf(err, "failed to delete document of sensor %d", sensorID)
}

// GeoNear implements store.Documents.
func (d *Documents) GeoNear(ctx context.Context, p store.Point, radius float64) ([]store.SensorDocument, error) {
	docs := []store.SensorDocument{}
	err := d.with(ctx, func(c *mgo.Collection) error {
		if err := d.ensureIndexes(c); err != nil {
			return err
		}
		return c.Find(nearQuery(p, radius)).All(&docs)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to run proximity query")
	}
	return docs, nil
}

func nearQuery(p store.Point, radius float64) bson.M {
	return bson.M{
		"location": bson.M{
			"$near": bson.M{
				"$geometry": bson.M{
					"type":        "Point",
					"coordinates": []float64{p.Longitude(), p.Latitude()},
				},
				"$maxDistance": radius,
			},
		},
	}
}
