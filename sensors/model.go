package sensors

import (
	"time"

	"github.com/senser-io/senser/store"
)

// TemperatureType is the sensor type whose readings feed the temperature
// statistics.
const TemperatureType = "Temperatura"

// LowBatteryThreshold is the battery level below which a reading is
// reported by LowBattery.
const LowBatteryThreshold = 0.2

// Sensor is the composite view of a sensor: identity from the relational
// store, device metadata from the document store.
type Sensor struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	Type            string  `json:"type"`
	MacAddress      string  `json:"mac_address"`
	Manufacturer    string  `json:"manufacturer"`
	Model           string  `json:"model"`
	SerieNumber     string  `json:"serie_number"`
	FirmwareVersion string  `json:"firmware_version"`
	Description     string  `json:"description"`
}

func newSensor(name string, doc *store.SensorDocument) Sensor {
	return Sensor{
		ID:              doc.SensorID,
		Name:            name,
		Latitude:        doc.Location.Latitude(),
		Longitude:       doc.Location.Longitude(),
		Type:            doc.Type,
		MacAddress:      doc.MacAddress,
		Manufacturer:    doc.Manufacturer,
		Model:           doc.Model,
		SerieNumber:     doc.SerieNumber,
		FirmwareVersion: doc.FirmwareVersion,
		Description:     doc.Description,
	}
}

// LiveSensor is a Sensor with its latest reading. The reading fields are
// empty when no reading has been recorded yet.
type LiveSensor struct {
	Sensor
	JoinedAt     time.Time  `json:"joined_at"`
	Temperature  *float64   `json:"temperature"`
	Velocity     *float64   `json:"velocity"`
	Humidity     *float64   `json:"humidity"`
	BatteryLevel *float64   `json:"battery_level"`
	LastSeen     *time.Time `json:"last_seen"`
}

func newLiveSensor(rec *store.SensorRecord, doc *store.SensorDocument, r *store.Reading) LiveSensor {
	v := LiveSensor{
		Sensor:   newSensor(rec.Name, doc),
		JoinedAt: rec.JoinedAt,
	}
	if r != nil {
		level, seen := r.BatteryLevel, r.LastSeen
		v.Temperature = r.Temperature
		v.Velocity = r.Velocity
		v.Humidity = r.Humidity
		v.BatteryLevel = &level
		v.LastSeen = &seen
	}
	return v
}

// SensorCreate is the input of CreateSensor.
type SensorCreate struct {
	Name            string  `json:"name"`
	Longitude       float64 `json:"longitude"`
	Latitude        float64 `json:"latitude"`
	Type            string  `json:"type"`
	MacAddress      string  `json:"mac_address"`
	Manufacturer    string  `json:"manufacturer"`
	Model           string  `json:"model"`
	SerieNumber     string  `json:"serie_number"`
	FirmwareVersion string  `json:"firmware_version"`
	Description     string  `json:"description"`
}

// ReadingsQuery is the input of QueryReadings. Nil bounds are open.
type ReadingsQuery struct {
	From   *time.Time
	To     *time.Time
	Bucket Bucket
}

// SearchType selects how the search value is matched.
type SearchType string

const (
	SearchMatch   SearchType = "match"
	SearchSimilar SearchType = "similar"
)

// SearchQuery is the input of SearchSensors.
type SearchQuery struct {
	Field string
	Value interface{}
	Size  int
	Type  SearchType
}

// DefaultSearchSize is used when a query does not set its size.
const DefaultSearchSize = 10

// TemperatureValues are the statistics of one sensor.
type TemperatureValues struct {
	Max     float64 `json:"max_temperature"`
	Min     float64 `json:"min_temperature"`
	Average float64 `json:"average_temperature"`
}

type TemperatureSensor struct {
	Sensor
	Values TemperatureValues `json:"values"`
}

type TemperatureReport struct {
	Sensors []TemperatureSensor `json:"sensors"`
}

type TypeQuantity struct {
	Type     string `json:"type"`
	Quantity int    `json:"quantity"`
}

type QuantityReport struct {
	Sensors []TypeQuantity `json:"sensors"`
}

type LowBatterySensor struct {
	Sensor
	BatteryLevel float64   `json:"battery_level"`
	LastSeen     time.Time `json:"last_seen"`
}

type LowBatteryReport struct {
	Sensors []LowBatterySensor `json:"sensors"`
}
