// Package dynamo implements the wide-column store on Amazon DynamoDB.
//
// Every reading is an item keyed by a random id. The reading itself is kept
// as a JSON string, the way it was reported.
package dynamo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/senser-io/senser/store"
)

// DefaultTable is the table holding the readings.
const DefaultTable = "senser_sensor_data"

type readingItem struct {
	ID         string `dynamodbav:"id"`
	SensorID   int64  `dynamodbav:"sensor_id"`
	Data       string `dynamodbav:"data"`
	LastSeen   string `dynamodbav:"last_seen"`
	TypeSensor string `dynamodbav:"type_sensor"`
}

type readingData struct {
	Velocity     *float64 `json:"velocity"`
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"humidity"`
	BatteryLevel float64  `json:"battery_level"`
}

// Readings is the wide-column store.
type Readings struct {
	client dynamodbiface.DynamoDBAPI
	table  string
}

var _ store.WideColumn = (*Readings)(nil)

// New returns the store using table.
func New(client dynamodbiface.DynamoDBAPI, table string) *Readings {
	if table == "" {
		table = DefaultTable
	}
	return &Readings{client: client, table: table}
}

// InsertRow implements store.WideColumn. A new id is generated when row.ID
// is empty.
func (r *Readings) InsertRow(ctx context.Context, row *store.ReadingRow) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	data, err := json.Marshal(readingData{
		Velocity:     row.Reading.Velocity,
		Temperature:  row.Reading.Temperature,
		Humidity:     row.Reading.Humidity,
		BatteryLevel: row.Reading.BatteryLevel,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal reading")
	}
	item, err := dynamodbattribute.MarshalMap(&readingItem{
		ID:         row.ID,
		SensorID:   row.SensorID,
		Data:       string(data),
		LastSeen:   row.Reading.LastSeen.UTC().Format(time.RFC3339Nano),
		TypeSensor: row.SensorType,
	})
	if err != nil {
		return err
	}
	_, err = r.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      item,
	})
	return errors.Wrap(err, "failed to put reading")
}

// ScanAll implements store.WideColumn. Every page of the table is read.
func (r *Readings) ScanAll(ctx context.Context) ([]store.ReadingRow, error) {
	var (
		rows    = []store.ReadingRow{}
		pageErr error
	)
	err := r.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(r.table),
	}, func(page *dynamodb.ScanOutput, _ bool) bool {
		items := []readingItem{}
		if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &items); err != nil {
			pageErr = errors.Wrap(err, "failed to unmarshal readings")
			return false
		}
		for _, item := range items {
			row, err := item.row()
			if err != nil {
				pageErr = err
				return false
			}
			rows = append(rows, row)
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan readings")
	}
	if pageErr != nil {
		return nil, pageErr
	}
	return rows, nil
}

func (item readingItem) row() (store.ReadingRow, error) {
	row := store.ReadingRow{
		ID:         item.ID,
		SensorID:   item.SensorID,
		SensorType: item.TypeSensor,
	}
	var data readingData
	if err := json.Unmarshal([]byte(item.Data), &data); err != nil {
		return row, errors.Wrapf(err, "reading %s has malformed data", item.ID)
	}
	if item.LastSeen != "" {
		seen, err := time.Parse(time.RFC3339Nano, item.LastSeen)
		if err != nil {
			return row, errors.Wrapf(err, "reading %s has malformed last_seen", item.ID)
		}
		row.Reading.LastSeen = seen.UTC()
	}
	row.Reading.Velocity = data.Velocity
	row.Reading.Temperature = data.Temperature
	row.Reading.Humidity = data.Humidity
	row.Reading.BatteryLevel = data.BatteryLevel
	return row, nil
}
