// Package store defines the record types and the capability interfaces of
// the stores holding sensor data. Adapters live in the sub-packages.
//
// Adapters return ErrNotFound for absent records and ErrConflict for
// uniqueness violations. Any other error means the store could not be used.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a record violates a uniqueness constraint.
	ErrConflict = errors.New("record already exists")
)

// SensorRecord is the identity of a sensor in the relational store.
type SensorRecord struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

// Point is a GeoJSON point. Coordinates are [longitude, latitude].
type Point struct {
	Type        string    `bson:"type" json:"type"`
	Coordinates []float64 `bson:"coordinates" json:"coordinates"`
}

// NewPoint returns the point at the given position.
func NewPoint(longitude, latitude float64) Point {
	return Point{Type: "Point", Coordinates: []float64{longitude, latitude}}
}

func (p Point) Longitude() float64 {
	if len(p.Coordinates) < 2 {
		return 0
	}
	return p.Coordinates[0]
}

func (p Point) Latitude() float64 {
	if len(p.Coordinates) < 2 {
		return 0
	}
	return p.Coordinates[1]
}

// SensorDocument is the denormalized device record of the document store.
type SensorDocument struct {
	SensorID        int64  `bson:"sensor_id"`
	Name            string `bson:"name"`
	Location        Point  `bson:"location"`
	Type            string `bson:"type"`
	MacAddress      string `bson:"mac_address"`
	Manufacturer    string `bson:"manufacturer"`
	Model           string `bson:"model"`
	SerieNumber     string `bson:"serie_number"`
	FirmwareVersion string `bson:"firmware_version"`
	Description     string `bson:"description"`
}

// DocumentFilter selects documents. The zero value matches every document.
type DocumentFilter struct {
	SensorIDs []int64
	Type      string
}

// Reading is one measurement reported by a sensor. Absent measurements are
// nil.
type Reading struct {
	Velocity     *float64  `json:"velocity"`
	Temperature  *float64  `json:"temperature"`
	Humidity     *float64  `json:"humidity"`
	BatteryLevel float64   `json:"battery_level"`
	LastSeen     time.Time `json:"last_seen"`
}

// ReadingRow is a historical reading as stored by the time-series and the
// wide-column stores.
type ReadingRow struct {
	ID         string
	SensorID   int64
	SensorType string
	Reading    Reading
}

// SearchDocument is the indexed representation of a sensor.
type SearchDocument struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Relational holds sensor identities. It is the authoritative store.
type Relational interface {
	GetByID(ctx context.Context, id int64) (*SensorRecord, error)
	GetByName(ctx context.Context, name string) (*SensorRecord, error)
	List(ctx context.Context, skip, limit int) ([]SensorRecord, error)
	Insert(ctx context.Context, name string) (*SensorRecord, error)
	Delete(ctx context.Context, id int64) error
}

// Documents holds device metadata and locations.
type Documents interface {
	FindOne(ctx context.Context, sensorID int64) (*SensorDocument, error)
	FindMany(ctx context.Context, filter DocumentFilter) ([]SensorDocument, error)

	// InsertOne stores doc, replacing any document with the same sensor id.
	InsertOne(ctx context.Context, doc *SensorDocument) error
	DeleteOne(ctx context.Context, sensorID int64) error

	// GeoNear returns the documents within radius meters of p, nearest
	// first.
	GeoNear(ctx context.Context, p Point, radius float64) ([]SensorDocument, error)
}

// Cache holds the latest value per key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// TimeSeries holds the reading history queried by time.
type TimeSeries interface {
	Append(ctx context.Context, row *ReadingRow) error
	Readings(ctx context.Context, sensorID int64) ([]ReadingRow, error)
}

// WideColumn holds the reading history scanned by analytics queries.
type WideColumn interface {
	InsertRow(ctx context.Context, row *ReadingRow) error
	ScanAll(ctx context.Context) ([]ReadingRow, error)
}

// Search is a full-text index.
type Search interface {
	// EnsureIndex creates the index with the given field mapping unless it
	// exists already.
	EnsureIndex(ctx context.Context, index string, mapping map[string]interface{}) error
	IndexDocument(ctx context.Context, index string, doc *SearchDocument) error
	DeleteDocument(ctx context.Context, index string, id int64) error
	Query(ctx context.Context, index string, body map[string]interface{}) ([]SearchDocument, error)
}
