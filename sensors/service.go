// Package sensors assembles the composite answers served by the bridge
// from the relational, document, cache, time-series, wide-column and search
// stores.
//
// The relational store is authoritative: a sensor exists when it has a
// relational record. Every other store is written after it as an
// at-least-once secondary keyed by the sensor id. Failed secondary writes
// are reported to the reconciler and surface as UpstreamUnavailable.
package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	bErrors "github.com/senser-io/senser/broker/errors"
	"github.com/senser-io/senser/reconcile"
	"github.com/senser-io/senser/store"
)

const (
	// SearchIndex is the full-text index of the sensors.
	SearchIndex = "sensors"

	// fanOut bounds the lookups run concurrently when composing lists.
	fanOut = 8
)

// searchMapping is the field mapping of SearchIndex.
var searchMapping = map[string]interface{}{
	"properties": map[string]interface{}{
		"id":          map[string]interface{}{"type": "keyword"},
		"name":        map[string]interface{}{"type": "keyword"},
		"type":        map[string]interface{}{"type": "keyword"},
		"description": map[string]interface{}{"type": "text"},
	},
}

// Stores groups the stores used by the Service.
type Stores struct {
	Relational store.Relational
	Documents  store.Documents
	Cache      store.Cache
	TimeSeries store.TimeSeries
	WideColumn store.WideColumn
	Search     store.Search
}

// Service implements the sensor operations.
type Service struct {
	logger     logrus.FieldLogger
	stores     Stores
	reconciler *reconcile.Reconciler
}

// NewService returns a usable Service. A nil reconciler only logs.
func NewService(logger logrus.FieldLogger, stores Stores, reconciler *reconcile.Reconciler) *Service {
	if reconciler == nil {
		reconciler = reconcile.New(logger, nil)
	}
	return &Service{
		logger:     logger.WithField("component", "sensors"),
		stores:     stores,
		reconciler: reconciler,
	}
}

// CacheKey is the cache key of the latest reading of a sensor.
func CacheKey(id int64) string {
	return fmt.Sprintf("sensor-%d", id)
}

func unavailable(err error, format string, args ...interface{}) error {
	return bErrors.Wrap(bErrors.UpstreamUnavailable, err, fmt.Sprintf(format, args...))
}

// identity returns the relational record, NotFound when absent.
func (s *Service) identity(ctx context.Context, id int64) (*store.SensorRecord, error) {
	rec, err := s.stores.Relational.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, bErrors.Newf(bErrors.NotFound, "sensor %d not found", id)
	}
	if err != nil {
		return nil, unavailable(err, "relational store")
	}
	return rec, nil
}

// document returns the document record, NotFound when absent.
func (s *Service) document(ctx context.Context, id int64) (*store.SensorDocument, error) {
	doc, err := s.stores.Documents.FindOne(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, bErrors.Newf(bErrors.NotFound, "sensor %d has no device record", id)
	}
	if err != nil {
		return nil, unavailable(err, "document store")
	}
	return doc, nil
}

// lastReading returns the cached latest reading, nil when none is cached.
func (s *Service) lastReading(ctx context.Context, id int64) (*store.Reading, error) {
	blob, err := s.stores.Cache.Get(ctx, CacheKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "cache")
	}
	r := &store.Reading{}
	if err := json.Unmarshal(blob, r); err != nil {
		s.logger.WithField("sensorID", id).Warn("Ignoring malformed cached reading: ", err)
		return nil, nil
	}
	return r, nil
}

// join fetches the relational and the document records concurrently.
func (s *Service) join(ctx context.Context, id int64) (*store.SensorRecord, *store.SensorDocument, error) {
	var (
		rec *store.SensorRecord
		doc *store.SensorDocument
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rec, err = s.identity(ctx, id)
		return err
	})
	g.Go(func() (err error) {
		doc, err = s.document(ctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return rec, doc, nil
}

// secondaryWrite is a write to a non-authoritative store.
type secondaryWrite struct {
	store string
	write func(ctx context.Context) error
}

// writeSecondaries runs the writes concurrently. Every failure is reported
// to the reconciler; the returned error names the stores left behind.
func (s *Service) writeSecondaries(ctx context.Context, operation string, id int64, writes ...secondaryWrite) error {
	errs := make([]error, len(writes))
	var g errgroup.Group
	for i, w := range writes {
		i, w := i, w
		g.Go(func() error {
			errs[i] = w.write(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for i, err := range errs {
		if err == nil {
			continue
		}
		s.reconciler.Report(ctx, operation, writes[i].store, id, err)
		failed = append(failed, writes[i].store)
	}
	if len(failed) > 0 {
		return bErrors.Newf(bErrors.UpstreamUnavailable,
			"%s of sensor %d is incomplete, not written to: %s", operation, id, strings.Join(failed, ", "))
	}
	return nil
}

// GetSensors lists the relational records.
func (s *Service) GetSensors(ctx context.Context, skip, limit int) ([]store.SensorRecord, error) {
	list, err := s.stores.Relational.List(ctx, skip, limit)
	if err != nil {
		return nil, unavailable(err, "relational store")
	}
	return list, nil
}

// GetSensorByID joins the relational and the document records of a sensor.
func (s *Service) GetSensorByID(ctx context.Context, id int64) (*Sensor, error) {
	rec, doc, err := s.join(ctx, id)
	if err != nil {
		return nil, err
	}
	v := newSensor(rec.Name, doc)
	return &v, nil
}

// CreateSensor registers a new sensor in the relational store, then stores
// its device document and indexes it for search.
func (s *Service) CreateSensor(ctx context.Context, req *SensorCreate) (*Sensor, error) {
	_, err := s.stores.Relational.GetByName(ctx, req.Name)
	if err == nil {
		return nil, bErrors.Newf(bErrors.Conflict, "sensor %q already registered", req.Name)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, unavailable(err, "relational store")
	}

	rec, err := s.stores.Relational.Insert(ctx, req.Name)
	if errors.Is(err, store.ErrConflict) {
		return nil, bErrors.Newf(bErrors.Conflict, "sensor %q already registered", req.Name)
	}
	if err != nil {
		return nil, unavailable(err, "relational store")
	}

	doc := &store.SensorDocument{
		SensorID:        rec.ID,
		Name:            rec.Name,
		Location:        store.NewPoint(req.Longitude, req.Latitude),
		Type:            req.Type,
		MacAddress:      req.MacAddress,
		Manufacturer:    req.Manufacturer,
		Model:           req.Model,
		SerieNumber:     req.SerieNumber,
		FirmwareVersion: req.FirmwareVersion,
		Description:     req.Description,
	}
	err = s.writeSecondaries(ctx, "create_sensor", rec.ID,
		secondaryWrite{"document", func(ctx context.Context) error {
			return s.stores.Documents.InsertOne(ctx, doc)
		}},
		secondaryWrite{"search", func(ctx context.Context) error {
			if err := s.stores.Search.EnsureIndex(ctx, SearchIndex, searchMapping); err != nil {
				return err
			}
			return s.stores.Search.IndexDocument(ctx, SearchIndex, &store.SearchDocument{
				ID:          rec.ID,
				Name:        rec.Name,
				Type:        req.Type,
				Description: req.Description,
			})
		}},
	)
	if err != nil {
		return nil, err
	}

	s.logger.WithField("sensorID", rec.ID).Info("Sensor registered")
	v := newSensor(rec.Name, doc)
	return &v, nil
}

// RecordReading stores the latest reading of a sensor in the cache and
// appends it to the time-series and the wide-column stores. The live view
// is returned.
func (s *Service) RecordReading(ctx context.Context, id int64, reading *store.Reading) (*LiveSensor, error) {
	rec, doc, err := s.join(ctx, id)
	if err != nil {
		return nil, err
	}
	r := *reading
	r.LastSeen = r.LastSeen.UTC()

	blob, err := json.Marshal(&r)
	if err != nil {
		return nil, bErrors.Wrap(bErrors.InvalidPayload, err, "reading could not be encoded")
	}
	err = s.writeSecondaries(ctx, "post_sensor_by_id_data", id,
		secondaryWrite{"cache", func(ctx context.Context) error {
			return s.stores.Cache.Set(ctx, CacheKey(id), blob)
		}},
		secondaryWrite{"timeseries", func(ctx context.Context) error {
			return s.stores.TimeSeries.Append(ctx, &store.ReadingRow{SensorID: id, SensorType: doc.Type, Reading: r})
		}},
		secondaryWrite{"widecolumn", func(ctx context.Context) error {
			return s.stores.WideColumn.InsertRow(ctx, &store.ReadingRow{SensorID: id, SensorType: doc.Type, Reading: r})
		}},
	)
	if err != nil {
		return nil, err
	}

	v := newLiveSensor(rec, doc, &r)
	return &v, nil
}

// QueryReadings returns the distinct bucket labels of the readings of a
// sensor within the query range. A sensor without cached reading is not
// missing; its history is still reported.
func (s *Service) QueryReadings(ctx context.Context, id int64, q *ReadingsQuery) ([]string, error) {
	if _, err := s.identity(ctx, id); err != nil {
		return nil, err
	}
	bucket := q.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	rows, err := s.stores.TimeSeries.Readings(ctx, id)
	if err != nil {
		return nil, unavailable(err, "time-series store")
	}
	times := make([]time.Time, 0, len(rows))
	for _, row := range rows {
		times = append(times, row.Reading.LastSeen)
	}
	return bucket.Labels(times, q.From, q.To), nil
}

// NearbySensors returns the live views of the sensors within radius meters
// of the given position, nearest first. Matches without relational record
// are skipped.
func (s *Service) NearbySensors(ctx context.Context, latitude, longitude, radius float64) ([]LiveSensor, error) {
	docs, err := s.stores.Documents.GeoNear(ctx, store.NewPoint(longitude, latitude), radius)
	if err != nil {
		return nil, unavailable(err, "document store")
	}

	views := make([]*LiveSensor, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for i := range docs {
		i, doc := i, &docs[i]
		g.Go(func() error {
			rec, err := s.identity(gctx, doc.SensorID)
			if bErrors.Is(err, bErrors.NotFound) {
				s.logger.WithField("sensorID", doc.SensorID).Warn("Skipping nearby sensor without identity record")
				return nil
			}
			if err != nil {
				return err
			}
			reading, err := s.lastReading(gctx, doc.SensorID)
			if err != nil {
				return err
			}
			v := newLiveSensor(rec, doc, reading)
			views[i] = &v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	list := make([]LiveSensor, 0, len(views))
	for _, v := range views {
		if v != nil {
			list = append(list, *v)
		}
	}
	return list, nil
}

// searchBody builds the search request of q.
func searchBody(q *SearchQuery) map[string]interface{} {
	var clause map[string]interface{}
	if q.Type == SearchSimilar {
		clause = map[string]interface{}{
			"fuzzy": map[string]interface{}{
				q.Field: map[string]interface{}{
					"value":     q.Value,
					"fuzziness": "AUTO",
				},
			},
		}
	} else {
		clause = map[string]interface{}{
			"match": map[string]interface{}{q.Field: q.Value},
		}
	}
	return map[string]interface{}{
		"query": clause,
		"size":  q.Size,
	}
}

// SearchSensors runs a single-field query against the search index and
// completes every hit with its device document. Hits without document are
// skipped. At most q.Size sensors are returned.
func (s *Service) SearchSensors(ctx context.Context, q *SearchQuery) ([]Sensor, error) {
	if q.Size <= 0 {
		q.Size = DefaultSearchSize
	}
	if q.Type == "" {
		q.Type = SearchMatch
	}
	if q.Type != SearchMatch && q.Type != SearchSimilar {
		return nil, bErrors.Newf(bErrors.InvalidPayload, "unknown search type %q", q.Type)
	}

	hits, err := s.stores.Search.Query(ctx, SearchIndex, searchBody(q))
	if err != nil {
		return nil, unavailable(err, "search index")
	}
	list := []Sensor{}
	for _, hit := range hits {
		if len(list) == q.Size {
			break
		}
		doc, err := s.document(ctx, hit.ID)
		if bErrors.Is(err, bErrors.NotFound) {
			s.logger.WithField("sensorID", hit.ID).Warn("Skipping search hit without device record")
			continue
		}
		if err != nil {
			return nil, err
		}
		v := newSensor(hit.Name, doc)
		v.Description = hit.Description
		list = append(list, v)
	}
	return list, nil
}

// documentsByID loads the documents of the given sensors.
func (s *Service) documentsByID(ctx context.Context, ids []int64) (map[int64]*store.SensorDocument, error) {
	docs, err := s.stores.Documents.FindMany(ctx, store.DocumentFilter{SensorIDs: ids})
	if err != nil {
		return nil, unavailable(err, "document store")
	}
	byID := make(map[int64]*store.SensorDocument, len(docs))
	for i := range docs {
		byID[docs[i].SensorID] = &docs[i]
	}
	return byID, nil
}

// TemperatureStatistics computes the temperature statistics of every
// temperature sensor from the wide-column history, ordered by sensor id.
func (s *Service) TemperatureStatistics(ctx context.Context) (*TemperatureReport, error) {
	rows, err := s.stores.WideColumn.ScanAll(ctx)
	if err != nil {
		return nil, unavailable(err, "wide-column store")
	}
	samples := map[int64][]float64{}
	for _, row := range rows {
		if row.SensorType != TemperatureType || row.Reading.Temperature == nil {
			continue
		}
		samples[row.SensorID] = append(samples[row.SensorID], *row.Reading.Temperature)
	}

	ids := make([]int64, 0, len(samples))
	for id := range samples {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	report := &TemperatureReport{Sensors: []TemperatureSensor{}}
	if len(ids) == 0 {
		return report, nil
	}
	docs, err := s.documentsByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		doc, ok := docs[id]
		if !ok {
			s.logger.WithField("sensorID", id).Warn("Skipping temperature statistics without device record")
			continue
		}
		report.Sensors = append(report.Sensors, TemperatureSensor{
			Sensor: newSensor(doc.Name, doc),
			Values: temperatureValues(samples[id]),
		})
	}
	return report, nil
}

// QuantityByType counts the sensors of every type, ordered by type.
func (s *Service) QuantityByType(ctx context.Context) (*QuantityReport, error) {
	docs, err := s.stores.Documents.FindMany(ctx, store.DocumentFilter{})
	if err != nil {
		return nil, unavailable(err, "document store")
	}
	counts := map[string]int{}
	for _, doc := range docs {
		counts[doc.Type]++
	}
	report := &QuantityReport{Sensors: make([]TypeQuantity, 0, len(counts))}
	for t, n := range counts {
		report.Sensors = append(report.Sensors, TypeQuantity{Type: t, Quantity: n})
	}
	sort.Slice(report.Sensors, func(i, j int) bool { return report.Sensors[i].Type < report.Sensors[j].Type })
	return report, nil
}

// LowBattery returns every historical reading below LowBatteryThreshold,
// ordered by sensor id then time.
func (s *Service) LowBattery(ctx context.Context) (*LowBatteryReport, error) {
	rows, err := s.stores.WideColumn.ScanAll(ctx)
	if err != nil {
		return nil, unavailable(err, "wide-column store")
	}
	var low []store.ReadingRow
	seen := map[int64]bool{}
	var ids []int64
	for _, row := range rows {
		if row.Reading.BatteryLevel >= LowBatteryThreshold {
			continue
		}
		low = append(low, row)
		if !seen[row.SensorID] {
			seen[row.SensorID] = true
			ids = append(ids, row.SensorID)
		}
	}

	report := &LowBatteryReport{Sensors: []LowBatterySensor{}}
	if len(low) == 0 {
		return report, nil
	}
	docs, err := s.documentsByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, row := range low {
		doc, ok := docs[row.SensorID]
		if !ok {
			s.logger.WithField("sensorID", row.SensorID).Warn("Skipping low battery reading without device record")
			continue
		}
		report.Sensors = append(report.Sensors, LowBatterySensor{
			Sensor:       newSensor(doc.Name, doc),
			BatteryLevel: row.Reading.BatteryLevel,
			LastSeen:     row.Reading.LastSeen,
		})
	}
	sort.SliceStable(report.Sensors, func(i, j int) bool {
		a, b := report.Sensors[i], report.Sensors[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.LastSeen.Before(b.LastSeen)
	})
	return report, nil
}

// DeleteSensor removes a sensor from the relational store, then its device
// document and its search entry. The deleted identity is returned.
func (s *Service) DeleteSensor(ctx context.Context, id int64) (*store.SensorRecord, error) {
	rec, err := s.identity(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.stores.Relational.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, bErrors.Newf(bErrors.NotFound, "sensor %d not found", id)
	}
	if err != nil {
		return nil, unavailable(err, "relational store")
	}

	err = s.writeSecondaries(ctx, "delete_sensor_by_id", id,
		secondaryWrite{"document", func(ctx context.Context) error {
			return s.stores.Documents.DeleteOne(ctx, id)
		}},
		secondaryWrite{"search", func(ctx context.Context) error {
			return s.stores.Search.DeleteDocument(ctx, SearchIndex, id)
		}},
	)
	if err != nil {
		return nil, err
	}
	s.logger.WithField("sensorID", id).Info("Sensor deleted")
	return rec, nil
}
