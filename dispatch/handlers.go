package dispatch

import (
	"context"

	bErrors "github.com/senser-io/senser/broker/errors"
	"github.com/senser-io/senser/broker/message"
	"github.com/senser-io/senser/sensors"
	"github.com/senser-io/senser/store"
)

// DefaultLimit is the page size of get_sensors when none is given.
const DefaultLimit = 100

var handlers = map[message.RequestType]handlerFunc{
	message.RequestTypeSearch:             search,
	message.RequestTypeNear:               near,
	message.RequestTypeTemperatureValues:  temperatureValues,
	message.RequestTypeQuantityByType:     quantityByType,
	message.RequestTypeLowBattery:         lowBattery,
	message.RequestTypeGetSensors:         getSensors,
	message.RequestTypeCreateSensor:       createSensor,
	message.RequestTypeGetSensorByID:      getSensorByID,
	message.RequestTypeDeleteSensorByID:   deleteSensorByID,
	message.RequestTypePostSensorByIDData: postSensorByIDData,
	message.RequestTypeGetSensorByIDData:  getSensorByIDData,
}

func search(ctx context.Context, ops Operations, p payload) (interface{}, error) {
	field, value, err := p.singleField("query")
	if err != nil {
		return nil, err
	}
	size, err := p.count("size", sensors.DefaultSearchSize)
	if err != nil {
		return nil, err
	}
	return ops.SearchSensors(ctx, &sensors.SearchQuery{
		Field: field,
		Value: value,
		Size:  size,
		Type:  sensors.SearchType(p.text("search_type")),
	})
}

func near(ctx context.Context, ops Operations, p payload) (interface{}, error) {
	lat, err := p.float("latitude")
	if err != nil {
		return nil, err
	}
	lon, err := p.float("longitude")
	if err != nil {
		return nil, err
	}
	radius, err := p.float("radius")
	if err != nil {
		return nil, err
	}
	return ops.NearbySensors(ctx, lat, lon, radius)
}

func temperatureValues(ctx context.Context, ops Operations, _ payload) (interface{}, error) {
	return ops.TemperatureStatistics(ctx)
}

func quantityByType(ctx context.Context, ops Operations, _ payload) (interface{}, error) {
	return ops.QuantityByType(ctx)
}

func lowBattery(ctx context.Context, ops Operations, _ payload) (interface{}, error) {
	return ops.LowBattery(ctx)
}

func getSensors(ctx context.Context, ops Operations, p payload) (interface{}, error) {
	skip, err := p.count("skip", 0)
	if err != nil {
		return nil, err
	}
	limit, err := p.count("limit", DefaultLimit)
	if err != nil {
		return nil, err
	}
	return ops.GetSensors(ctx, skip, limit)
}

func createSensor(ctx context.Context, ops Operations, p payload) (interface{}, error) {
	s, _ := p.object("sensor")
	lat, err := s.float("latitude")
	if err != nil {
		return nil, err
	}
	lon, err := s.float("longitude")
	if err != nil {
		return nil, err
	}
	return ops.CreateSensor(ctx, &sensors.SensorCreate{
		Name:            s.text("name"),
		Latitude:        lat,
		Longitude:       lon,
		Type:            s.text("type"),
		MacAddress:      s.text("mac_address"),
		Manufacturer:    s.text("manufacturer"),
		Model:           s.text("model"),
		SerieNumber:     s.text("serie_number"),
		FirmwareVersion: s.text("firmware_version"),
		Description:     s.text("description"),
	})
}

func getSensorByID(ctx context.Context, ops Operations, p payload) (interface{}, error) {
	id, err := p.id("sensor_id")
	if err != nil {
		return nil, err
	}
	return ops.GetSensorByID(ctx, id)
}

func deleteSensorByID(ctx context.Context, ops Operations, p payload) (interface{}, error) {
	id, err := p.id("sensor_id")
	if err != nil {
		return nil, err
	}
	return ops.DeleteSensor(ctx, id)
}

func postSensorByIDData(ctx context.Context, ops Operations, p payload) (interface{}, error) {
	id, err := p.id("sensor_id")
	if err != nil {
		return nil, err
	}
	data, ok := p.object("data")
	if !ok {
		data = p
	}
	r := &store.Reading{}
	if r.Velocity, err = data.optionalFloat("velocity"); err != nil {
		return nil, err
	}
	if r.Temperature, err = data.optionalFloat("temperature"); err != nil {
		return nil, err
	}
	if r.Humidity, err = data.optionalFloat("humidity"); err != nil {
		return nil, err
	}
	if r.BatteryLevel, err = data.float("battery_level"); err != nil {
		return nil, err
	}
	if r.LastSeen, err = data.time("last_seen"); err != nil {
		return nil, err
	}
	return ops.RecordReading(ctx, id, r)
}

func getSensorByIDData(ctx context.Context, ops Operations, p payload) (interface{}, error) {
	id, err := p.id("sensor_id")
	if err != nil {
		return nil, err
	}
	q := &sensors.ReadingsQuery{}
	if q.From, err = p.optionalTime("from_date"); err != nil {
		return nil, err
	}
	if q.To, err = p.optionalTime("to_date"); err != nil {
		return nil, err
	}
	if q.Bucket, err = sensors.ParseBucket(p.text("bucket")); err != nil {
		return nil, bErrors.Wrap(bErrors.InvalidPayload, err, "field \"bucket\"")
	}
	return ops.QueryReadings(ctx, id, q)
}
