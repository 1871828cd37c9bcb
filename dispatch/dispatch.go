// Package dispatch routes request types to the sensor operations.
//
// Every request type owns a route: a JSON Schema the payload must satisfy and
// a function that decodes the payload and calls one operation. Payloads are
// rejected with InvalidPayload before any store is touched.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	bErrors "github.com/senser-io/senser/broker/errors"
	"github.com/senser-io/senser/broker/message"
	"github.com/senser-io/senser/sensors"
	"github.com/senser-io/senser/store"
)

// Operations is the set of operations served through the dispatcher.
// *sensors.Service implements it.
type Operations interface {
	GetSensors(ctx context.Context, skip, limit int) ([]store.SensorRecord, error)
	GetSensorByID(ctx context.Context, id int64) (*sensors.Sensor, error)
	CreateSensor(ctx context.Context, spec *sensors.SensorCreate) (*sensors.Sensor, error)
	RecordReading(ctx context.Context, id int64, reading *store.Reading) (*sensors.LiveSensor, error)
	QueryReadings(ctx context.Context, id int64, q *sensors.ReadingsQuery) ([]string, error)
	NearbySensors(ctx context.Context, latitude, longitude, radius float64) ([]sensors.LiveSensor, error)
	SearchSensors(ctx context.Context, q *sensors.SearchQuery) ([]sensors.Sensor, error)
	TemperatureStatistics(ctx context.Context) (*sensors.TemperatureReport, error)
	QuantityByType(ctx context.Context) (*sensors.QuantityReport, error)
	LowBattery(ctx context.Context) (*sensors.LowBatteryReport, error)
	DeleteSensor(ctx context.Context, id int64) (*store.SensorRecord, error)
}

var _ Operations = (*sensors.Service)(nil)

// handlerFunc runs one operation with a validated payload.
type handlerFunc func(ctx context.Context, ops Operations, p payload) (interface{}, error)

type route struct {
	schema *gojsonschema.Schema
	handle handlerFunc
}

// Dispatcher maps request types to operations.
type Dispatcher struct {
	logger logrus.FieldLogger
	ops    Operations
	routes map[message.RequestType]route
}

// New builds the routing table. It fails when the table and the set of
// request types known on the wire differ.
func New(logger logrus.FieldLogger, ops Operations) (*Dispatcher, error) {
	d := &Dispatcher{
		logger: logger.WithField("component", "dispatch"),
		ops:    ops,
		routes: map[message.RequestType]route{},
	}
	for t, h := range handlers {
		schema, err := loadSchema(t)
		if err != nil {
			return nil, fmt.Errorf("error loading schema of %s: %v", t, err)
		}
		d.routes[t] = route{schema: schema, handle: h}
	}
	if err := checkRoutes(d.routes, message.RequestTypes()); err != nil {
		return nil, err
	}
	return d, nil
}

// checkRoutes verifies that every known type has a route and vice versa.
func checkRoutes(routes map[message.RequestType]route, known []message.RequestType) error {
	var missing, extra []string
	seen := map[message.RequestType]bool{}
	for _, t := range known {
		seen[t] = true
		if _, ok := routes[t]; !ok {
			missing = append(missing, t.String())
		}
	}
	for t := range routes {
		if !seen[t] {
			extra = append(extra, t.String())
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		return fmt.Errorf("routing table is incomplete (missing: [%s], unexpected: [%s])",
			strings.Join(missing, " "), strings.Join(extra, " "))
	}
	return nil
}

// Dispatch validates data and runs the operation selected by t. Its
// signature matches broker.Handler.
func (d *Dispatcher) Dispatch(ctx context.Context, t message.RequestType, data json.RawMessage) (interface{}, error) {
	r, ok := d.routes[t]
	if !ok {
		return nil, bErrors.Newf(bErrors.UnknownRequestType, "unknown request type %q", t)
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	res, err := r.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, bErrors.Wrap(bErrors.InvalidPayload, err, "payload is not a JSON document")
	}
	if !res.Valid() {
		return nil, &bErrors.Error{Kind: bErrors.InvalidPayload, Err: newValidationError(res)}
	}

	p := payload{}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, bErrors.Wrap(bErrors.InvalidPayload, err, "payload is not an object")
	}
	d.logger.WithField("type", t).Debug("Dispatching request")
	return r.handle(ctx, d.ops, p)
}

// ValidationError lists the schema violations of a payload.
type ValidationError struct {
	Errors []ValidationErrorDetail
}

type ValidationErrorDetail struct {
	Message string `json:"message"`
	Path    string `json:"path"`
}

func newValidationError(res *gojsonschema.Result) ValidationError {
	err := ValidationError{}
	for _, item := range res.Errors() {
		err.Errors = append(err.Errors, ValidationErrorDetail{
			Message: item.Description(),
			Path:    item.Field(),
		})
	}
	return err
}

func (err ValidationError) Error() string {
	items := make([]string, 0, len(err.Errors))
	for _, item := range err.Errors {
		items = append(items, fmt.Sprintf("%s: %s", item.Path, item.Message))
	}
	return "invalid payload: " + strings.Join(items, "; ")
}

func errNoSchema(t message.RequestType) error {
	return fmt.Errorf("no schema defined for %s", t)
}
