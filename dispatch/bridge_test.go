package dispatch_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senser-io/senser/broker"
	"github.com/senser-io/senser/broker/backend"
	"github.com/senser-io/senser/broker/backend/backendmock"
	bErrors "github.com/senser-io/senser/broker/errors"
	"github.com/senser-io/senser/broker/message"
	"github.com/senser-io/senser/dispatch"
	"github.com/senser-io/senser/sensors"
	"github.com/senser-io/senser/store"
	"github.com/senser-io/senser/store/storemock"
)

type bridge struct {
	svc *sensors.Service
	pub *broker.Publisher
}

func newBridge(t *testing.T) *bridge {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	br := backendmock.NewBroker()
	dial := func() (backend.Backend, error) { return br.Connect(logger), nil }

	s := storemock.New()
	s.Relational.Now = func() time.Time { return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC) }
	svc := sensors.NewService(logger, sensors.Stores{
		Relational: s.Relational,
		Documents:  s.Documents,
		Cache:      s.Cache,
		TimeSeries: s.TimeSeries,
		WideColumn: s.WideColumn,
		Search:     s.Search,
	}, nil)
	d, err := dispatch.New(logger, svc)
	require.NoError(t, err)

	sub, err := broker.NewSubscriber(logger, dial)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sub.Run(ctx, d.Dispatch)
	}()

	pub, err := broker.NewPublisher(logger, dial, broker.WithTimeout(5*time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		pub.Close()
		cancel()
		<-done
		sub.Close()
	})
	return &bridge{svc: svc, pub: pub}
}

func (b *bridge) call(t *testing.T, rt message.RequestType, data string) json.RawMessage {
	t.Helper()
	result, err := b.pub.Call(context.Background(), rt, json.RawMessage(data))
	require.NoError(t, err, "%s %s", rt, data)
	return result
}

func encode(t *testing.T, v interface{}, err error) string {
	t.Helper()
	require.NoError(t, err)
	blob, err := json.Marshal(v)
	require.NoError(t, err)
	return string(blob)
}

func TestBridge_RoundTripEquivalence(t *testing.T) {
	b := newBridge(t)
	ctx := context.Background()

	// Writes go through the bridge; the direct calls below read the same
	// stores.
	b.call(t, message.RequestTypeCreateSensor,
		`{"sensor": {"name": "s1", "latitude": 41.3851, "longitude": 2.1734, "type": "Temperatura", "description": "roof"}}`)
	b.call(t, message.RequestTypeCreateSensor,
		`{"sensor": {"name": "s2", "latitude": 41.3870, "longitude": 2.1700, "type": "Velocitat"}}`)
	b.call(t, message.RequestTypePostSensorByIDData,
		`{"sensor_id": 1, "data": {"temperature": 1.0, "battery_level": 0.1, "last_seen": "2020-01-01T00:00:00Z"}}`)
	b.call(t, message.RequestTypePostSensorByIDData,
		`{"sensor_id": 1, "data": {"temperature": 4.0, "battery_level": 0.15, "last_seen": "2020-01-01T01:00:00Z"}}`)
	b.call(t, message.RequestTypePostSensorByIDData,
		`{"sensor_id": 2, "data": {"velocity": 30, "battery_level": 1.9, "last_seen": "2020-01-08T00:00:00Z"}}`)

	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		t      message.RequestType
		data   string
		direct func() (interface{}, error)
	}{
		{"get sensors", message.RequestTypeGetSensors, `{}`, func() (interface{}, error) {
			return b.svc.GetSensors(ctx, 0, dispatch.DefaultLimit)
		}},
		{"get sensor", message.RequestTypeGetSensorByID, `{"sensor_id": 1}`, func() (interface{}, error) {
			return b.svc.GetSensorByID(ctx, 1)
		}},
		{"near", message.RequestTypeNear, `{"latitude": 41.3851, "longitude": 2.1734, "radius": 1000}`, func() (interface{}, error) {
			return b.svc.NearbySensors(ctx, 41.3851, 2.1734, 1000)
		}},
		{"search", message.RequestTypeSearch, `{"query": {"name": "s"}, "size": 5, "search_type": "similar"}`, func() (interface{}, error) {
			return b.svc.SearchSensors(ctx, &sensors.SearchQuery{Field: "name", Value: "s", Size: 5, Type: sensors.SearchSimilar})
		}},
		{"temperature values", message.RequestTypeTemperatureValues, `{}`, func() (interface{}, error) {
			return b.svc.TemperatureStatistics(ctx)
		}},
		{"quantity by type", message.RequestTypeQuantityByType, `{}`, func() (interface{}, error) {
			return b.svc.QuantityByType(ctx)
		}},
		{"low battery", message.RequestTypeLowBattery, `{}`, func() (interface{}, error) {
			return b.svc.LowBattery(ctx)
		}},
		{"readings by hour", message.RequestTypeGetSensorByIDData,
			`{"sensor_id": 1, "from_date": "2020-01-01T00:00:00Z", "to_date": "2020-01-01T01:00:00Z", "bucket": "hour"}`,
			func() (interface{}, error) {
				return b.svc.QueryReadings(ctx, 1, &sensors.ReadingsQuery{From: &from, To: &to, Bucket: sensors.BucketHour})
			}},
		{"readings by week", message.RequestTypeGetSensorByIDData, `{"sensor_id": 2, "bucket": "week"}`, func() (interface{}, error) {
			return b.svc.QueryReadings(ctx, 2, &sensors.ReadingsQuery{Bucket: sensors.BucketWeek})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := tt.direct()
			want := encode(t, v, err)
			got := b.call(t, tt.t, tt.data)
			assert.JSONEq(t, want, string(got))
		})
	}
}

func TestBridge_Results(t *testing.T) {
	b := newBridge(t)
	b.call(t, message.RequestTypeCreateSensor, `{"sensor": {"name": "s1", "latitude": 0, "longitude": 0, "type": "Temperatura"}}`)
	b.call(t, message.RequestTypePostSensorByIDData, `{"sensor_id": 1, "temperature": 1.0, "battery_level": 0.5, "last_seen": "2020-01-01T00:00:00Z"}`)
	b.call(t, message.RequestTypePostSensorByIDData, `{"sensor_id": 1, "temperature": 4.0, "battery_level": 0.5, "last_seen": "2020-01-01T01:00:00Z"}`)

	labels := b.call(t, message.RequestTypeGetSensorByIDData,
		`{"sensor_id": 1, "from_date": "2020-01-01T00:00:00Z", "to_date": "2020-01-01T01:00:00Z", "bucket": "day"}`)
	assert.JSONEq(t, `["2020-01-01"]`, string(labels))

	stats := b.call(t, message.RequestTypeTemperatureValues, `{}`)
	report := &sensors.TemperatureReport{}
	require.NoError(t, json.Unmarshal(stats, report))
	require.Len(t, report.Sensors, 1)
	assert.Equal(t, sensors.TemperatureValues{Max: 4, Min: 1, Average: 2.5}, report.Sensors[0].Values)

	deleted := b.call(t, message.RequestTypeDeleteSensorByID, `{"sensor_id": 1}`)
	rec := &store.SensorRecord{}
	require.NoError(t, json.Unmarshal(deleted, rec))
	assert.Equal(t, "s1", rec.Name)
}

func TestBridge_FailuresKeepTheirKind(t *testing.T) {
	b := newBridge(t)
	b.call(t, message.RequestTypeCreateSensor, `{"sensor": {"name": "s1", "latitude": 0, "longitude": 0}}`)

	tests := []struct {
		name string
		t    message.RequestType
		data string
		kind bErrors.Kind
	}{
		{"not found", message.RequestTypeGetSensorByID, `{"sensor_id": 42}`, bErrors.NotFound},
		{"conflict", message.RequestTypeCreateSensor, `{"sensor": {"name": "s1", "latitude": 0, "longitude": 0}}`, bErrors.Conflict},
		{"invalid payload", message.RequestTypeNear, `{"latitude": 0}`, bErrors.InvalidPayload},
		{"unknown request type", message.RequestType("get_sensor"), `{}`, bErrors.UnknownRequestType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.pub.Call(context.Background(), tt.t, json.RawMessage(tt.data))
			require.Error(t, err)
			assert.Equal(t, tt.kind, bErrors.KindOf(err), err)
		})
	}
}
