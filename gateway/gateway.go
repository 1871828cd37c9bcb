// Package gateway exposes the sensor operations over HTTP. Every request is
// turned into a request type and a data object and forwarded to a worker
// through the broker.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/sirupsen/logrus"

	bErrors "github.com/senser-io/senser/broker/errors"
	"github.com/senser-io/senser/broker/message"
)

// maxBodySize bounds the request bodies read by the gateway.
const maxBodySize = 1 << 20

// Caller runs a request remotely. *broker.Publisher implements it.
type Caller interface {
	Call(ctx context.Context, t message.RequestType, data interface{}) (json.RawMessage, error)
}

// Gateway is the HTTP handler.
type Gateway struct {
	logger  logrus.FieldLogger
	caller  Caller
	decoder *schema.Decoder
	router  *mux.Router
}

var _ http.Handler = (*Gateway)(nil)

// New returns the gateway with every route registered.
func New(logger logrus.FieldLogger, caller Caller) *Gateway {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	g := &Gateway{
		logger:  logger.WithField("component", "gateway"),
		caller:  caller,
		decoder: decoder,
		router:  mux.NewRouter(),
	}

	// Full paths on the root router; a wrong method on a known path is a 405.
	r := g.router
	r.HandleFunc("/sensors/search", g.search).Methods(http.MethodGet)
	r.HandleFunc("/sensors/near", g.near).Methods(http.MethodGet)
	r.HandleFunc("/sensors/temperature/values", g.forward(message.RequestTypeTemperatureValues)).Methods(http.MethodGet)
	r.HandleFunc("/sensors/quantity_by_type", g.forward(message.RequestTypeQuantityByType)).Methods(http.MethodGet)
	r.HandleFunc("/sensors/low_battery", g.forward(message.RequestTypeLowBattery)).Methods(http.MethodGet)
	r.HandleFunc("/sensors", g.list).Methods(http.MethodGet)
	r.HandleFunc("/sensors", g.create).Methods(http.MethodPost)
	r.HandleFunc("/sensors/{id:[0-9]+}", g.bySensor(message.RequestTypeGetSensorByID)).Methods(http.MethodGet)
	r.HandleFunc("/sensors/{id:[0-9]+}", g.bySensor(message.RequestTypeDeleteSensorByID)).Methods(http.MethodDelete)
	r.HandleFunc("/sensors/{id:[0-9]+}/data", g.record).Methods(http.MethodPost)
	r.HandleFunc("/sensors/{id:[0-9]+}/data", g.readings).Methods(http.MethodGet)

	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

type searchParams struct {
	Query      string `schema:"query,required"`
	Size       *int   `schema:"size"`
	SearchType string `schema:"search_type"`
}

type nearParams struct {
	Latitude  float64 `schema:"latitude,required"`
	Longitude float64 `schema:"longitude,required"`
	Radius    float64 `schema:"radius,required"`
}

type listParams struct {
	Skip  *int `schema:"skip"`
	Limit *int `schema:"limit"`
}

type readingsParams struct {
	From   string `schema:"from"`
	To     string `schema:"to"`
	Bucket string `schema:"bucket"`
}

func (g *Gateway) search(w http.ResponseWriter, r *http.Request) {
	params := &searchParams{}
	if !g.decode(w, r, params) {
		return
	}
	data := map[string]interface{}{"query": params.Query}
	if params.Size != nil {
		data["size"] = *params.Size
	}
	if params.SearchType != "" {
		data["search_type"] = params.SearchType
	}
	g.call(w, r, message.RequestTypeSearch, data)
}

func (g *Gateway) near(w http.ResponseWriter, r *http.Request) {
	params := &nearParams{}
	if !g.decode(w, r, params) {
		return
	}
	g.call(w, r, message.RequestTypeNear, map[string]interface{}{
		"latitude":  params.Latitude,
		"longitude": params.Longitude,
		"radius":    params.Radius,
	})
}

func (g *Gateway) list(w http.ResponseWriter, r *http.Request) {
	params := &listParams{}
	if !g.decode(w, r, params) {
		return
	}
	data := map[string]interface{}{}
	if params.Skip != nil {
		data["skip"] = *params.Skip
	}
	if params.Limit != nil {
		data["limit"] = *params.Limit
	}
	g.call(w, r, message.RequestTypeGetSensors, data)
}

func (g *Gateway) create(w http.ResponseWriter, r *http.Request) {
	body, ok := g.body(w, r)
	if !ok {
		return
	}
	g.call(w, r, message.RequestTypeCreateSensor, map[string]interface{}{"sensor": body})
}

func (g *Gateway) record(w http.ResponseWriter, r *http.Request) {
	body, ok := g.body(w, r)
	if !ok {
		return
	}
	g.call(w, r, message.RequestTypePostSensorByIDData, map[string]interface{}{
		"sensor_id": sensorID(r),
		"data":      body,
	})
}

func (g *Gateway) readings(w http.ResponseWriter, r *http.Request) {
	params := &readingsParams{}
	if !g.decode(w, r, params) {
		return
	}
	data := map[string]interface{}{"sensor_id": sensorID(r)}
	if params.From != "" {
		data["from_date"] = params.From
	}
	if params.To != "" {
		data["to_date"] = params.To
	}
	if params.Bucket != "" {
		data["bucket"] = params.Bucket
	}
	g.call(w, r, message.RequestTypeGetSensorByIDData, data)
}

func (g *Gateway) bySensor(t message.RequestType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.call(w, r, t, map[string]interface{}{"sensor_id": sensorID(r)})
	}
}

func (g *Gateway) forward(t message.RequestType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.call(w, r, t, nil)
	}
}

// sensorID is the id in the path. The route pattern guarantees digits; ids
// that overflow are sent as given and rejected by the worker.
func sensorID(r *http.Request) interface{} {
	raw := mux.Vars(r)["id"]
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return id
	}
	return raw
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := g.decoder.Decode(dst, r.URL.Query()); err != nil {
		g.fail(w, bErrors.Wrap(bErrors.InvalidPayload, err, "invalid query string"))
		return false
	}
	return true
}

// body reads a JSON object from the request body.
func (g *Gateway) body(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		g.fail(w, bErrors.Wrap(bErrors.InvalidPayload, err, "request body could not be read"))
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(blob, &obj); err != nil {
		g.fail(w, bErrors.Wrap(bErrors.InvalidPayload, err, "request body is not a JSON object"))
		return nil, false
	}
	return json.RawMessage(blob), true
}

func (g *Gateway) call(w http.ResponseWriter, r *http.Request, t message.RequestType, data interface{}) {
	result, err := g.caller.Call(r.Context(), t, data)
	if err != nil {
		g.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	if _, err := w.Write(result); err != nil {
		g.logger.Debug("Response could not be written: ", err)
	}
}

type errorResponse struct {
	Kind   bErrors.Kind `json:"kind"`
	Detail string       `json:"detail"`
}

func (g *Gateway) fail(w http.ResponseWriter, err error) {
	kind := bErrors.KindOf(err)
	status := StatusCode(kind)
	if status >= http.StatusInternalServerError {
		g.logger.WithField("kind", kind).Error("Request failed: ", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&errorResponse{Kind: kind, Detail: bErrors.Message(err)})
}

// StatusCode maps a failure kind to its HTTP status.
func StatusCode(kind bErrors.Kind) int {
	switch kind {
	case bErrors.NotFound:
		return http.StatusNotFound
	case bErrors.Conflict, bErrors.InvalidPayload, bErrors.UnknownRequestType:
		return http.StatusBadRequest
	case bErrors.Timeout:
		return http.StatusGatewayTimeout
	case bErrors.UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
