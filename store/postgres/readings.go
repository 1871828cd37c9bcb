package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"github.com/senser-io/senser/store"
)

const (
	queryInsertReading = `INSERT INTO sensor_data (sensor_id, sensor_type, data, last_seen) VALUES ($1, $2, $3, $4) RETURNING id`
	queryReadings      = `SELECT id, sensor_id, sensor_type, data, last_seen FROM sensor_data WHERE sensor_id = $1 ORDER BY last_seen`
)

// readingData is the JSONB payload of a sensor_data row.
type readingData struct {
	Velocity     *float64 `json:"velocity"`
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"humidity"`
	BatteryLevel float64  `json:"battery_level"`
}

// Readings is the time-series store.
type Readings struct {
	db *sql.DB
}

var _ store.TimeSeries = (*Readings)(nil)

// NewReadings returns the time-series store using db.
func NewReadings(db *sql.DB) *Readings {
	return &Readings{db: db}
}

// Append implements store.TimeSeries. The row identifier is assigned by the
// database and written back to row.ID.
func (r *Readings) Append(ctx context.Context, row *store.ReadingRow) error {
	blob, err := json.Marshal(readingData{
		Velocity:     row.Reading.Velocity,
		Temperature:  row.Reading.Temperature,
		Humidity:     row.Reading.Humidity,
		BatteryLevel: row.Reading.BatteryLevel,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal reading")
	}
	var id int64
	err = r.db.QueryRowContext(ctx, queryInsertReading,
		row.SensorID, row.SensorType, blob, row.Reading.LastSeen.UTC()).Scan(&id)
	if err != nil {
		return errors.Wrap(err, "failed to insert reading")
	}
	row.ID = strconv.FormatInt(id, 10)
	return nil
}

// Readings implements store.TimeSeries.
func (r *Readings) Readings(ctx context.Context, sensorID int64) ([]store.ReadingRow, error) {
	rows, err := r.db.QueryContext(ctx, queryReadings, sensorID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query readings")
	}
	defer rows.Close()

	list := []store.ReadingRow{}
	for rows.Next() {
		var (
			row  store.ReadingRow
			id   int64
			blob []byte
			data readingData
		)
		if err := rows.Scan(&id, &row.SensorID, &row.SensorType, &blob, &row.Reading.LastSeen); err != nil {
			return nil, errors.Wrap(err, "failed to read reading")
		}
		if len(blob) > 0 {
			if err := json.Unmarshal(blob, &data); err != nil {
				return nil, errors.Wrapf(err, "reading %d has malformed data", id)
			}
		}
		row.ID = strconv.FormatInt(id, 10)
		row.Reading.Velocity = data.Velocity
		row.Reading.Temperature = data.Temperature
		row.Reading.Humidity = data.Humidity
		row.Reading.BatteryLevel = data.BatteryLevel
		row.Reading.LastSeen = row.Reading.LastSeen.UTC()
		list = append(list, row)
	}
	return list, errors.Wrap(rows.Err(), "failed to query readings")
}
