// Package storemock provides in-memory implementations of the store
// interfaces. Every store counts its writes and can be told to fail.
package storemock

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/senser-io/senser/store"
)

// Stores bundles one instance of every fake.
type Stores struct {
	Relational *Relational
	Documents  *Documents
	Cache      *Cache
	TimeSeries *TimeSeries
	WideColumn *WideColumn
	Search     *Search
}

// New returns empty stores.
func New() *Stores {
	return &Stores{
		Relational: &Relational{},
		Documents:  &Documents{},
		Cache:      &Cache{},
		TimeSeries: &TimeSeries{},
		WideColumn: &WideColumn{},
		Search:     &Search{},
	}
}

// Writes returns the number of writes performed across all stores.
func (s *Stores) Writes() int {
	return s.Relational.Writes() + s.Documents.Writes() + s.Cache.Writes() +
		s.TimeSeries.Writes() + s.WideColumn.Writes() + s.Search.Writes()
}

// counter is embedded by every fake.
type counter struct {
	mu     sync.Mutex
	writes int

	// Err, when set, is returned by every operation.
	Err error
}

func (c *counter) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// Relational is an in-memory store.Relational.
type Relational struct {
	counter
	records []store.SensorRecord
	nextID  int64

	// Now stamps new records; time.Now when nil.
	Now func() time.Time
}

var _ store.Relational = (*Relational)(nil)

func (r *Relational) GetByID(_ context.Context, id int64) (*store.SensorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, rec := range r.records {
		if rec.ID == id {
			cp := rec
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *Relational) GetByName(_ context.Context, name string) (*store.SensorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, rec := range r.records {
		if rec.Name == name {
			cp := rec
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *Relational) List(_ context.Context, skip, limit int) ([]store.SensorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	list := []store.SensorRecord{}
	for i, rec := range r.records {
		if i < skip {
			continue
		}
		if len(list) == limit {
			break
		}
		list = append(list, rec)
	}
	return list, nil
}

func (r *Relational) Insert(_ context.Context, name string) (*store.SensorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, rec := range r.records {
		if rec.Name == name {
			return nil, store.ErrConflict
		}
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	r.nextID++
	r.writes++
	rec := store.SensorRecord{ID: r.nextID, Name: name, JoinedAt: now().UTC()}
	r.records = append(r.records, rec)
	return &rec, nil
}

func (r *Relational) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	for i, rec := range r.records {
		if rec.ID == id {
			r.records = append(r.records[:i], r.records[i+1:]...)
			r.writes++
			return nil
		}
	}
	return store.ErrNotFound
}

// Documents is an in-memory store.Documents. GeoNear uses the haversine
// distance.
type Documents struct {
	counter
	docs map[int64]store.SensorDocument
}

var _ store.Documents = (*Documents)(nil)

func (d *Documents) FindOne(_ context.Context, sensorID int64) (*store.SensorDocument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	doc, ok := d.docs[sensorID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &doc, nil
}

func (d *Documents) FindMany(_ context.Context, filter store.DocumentFilter) ([]store.SensorDocument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	ids := map[int64]bool{}
	for _, id := range filter.SensorIDs {
		ids[id] = true
	}
	list := []store.SensorDocument{}
	for _, doc := range d.docs {
		if len(ids) > 0 && !ids[doc.SensorID] {
			continue
		}
		if filter.Type != "" && filter.Type != doc.Type {
			continue
		}
		list = append(list, doc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].SensorID < list[j].SensorID })
	return list, nil
}

func (d *Documents) InsertOne(_ context.Context, doc *store.SensorDocument) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	if d.docs == nil {
		d.docs = map[int64]store.SensorDocument{}
	}
	d.docs[doc.SensorID] = *doc
	d.writes++
	return nil
}

func (d *Documents) DeleteOne(_ context.Context, sensorID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	delete(d.docs, sensorID)
	d.writes++
	return nil
}

func (d *Documents) GeoNear(_ context.Context, p store.Point, radius float64) ([]store.SensorDocument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	type match struct {
		doc      store.SensorDocument
		distance float64
	}
	var matches []match
	for _, doc := range d.docs {
		if dist := distance(p, doc.Location); dist <= radius {
			matches = append(matches, match{doc, dist})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].distance < matches[j].distance })
	list := make([]store.SensorDocument, 0, len(matches))
	for _, m := range matches {
		list = append(list, m.doc)
	}
	return list, nil
}

// distance returns the great-circle distance in meters.
func distance(a, b store.Point) float64 {
	const earthRadius = 6378100.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	lat1, lat2 := rad(a.Latitude()), rad(b.Latitude())
	dLat := lat2 - lat1
	dLon := rad(b.Longitude() - a.Longitude())
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}

// Cache is an in-memory store.Cache.
type Cache struct {
	counter
	values map[string][]byte
}

var _ store.Cache = (*Cache)(nil)

func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	v, ok := c.values[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (c *Cache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	if c.values == nil {
		c.values = map[string][]byte{}
	}
	c.values[key] = append([]byte(nil), value...)
	c.writes++
	return nil
}

// TimeSeries is an in-memory store.TimeSeries.
type TimeSeries struct {
	counter
	rows []store.ReadingRow
}

var _ store.TimeSeries = (*TimeSeries)(nil)

func (t *TimeSeries) Append(_ context.Context, row *store.ReadingRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	row.ID = strconv.Itoa(len(t.rows) + 1)
	t.rows = append(t.rows, *row)
	t.writes++
	return nil
}

func (t *TimeSeries) Readings(_ context.Context, sensorID int64) ([]store.ReadingRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return nil, t.Err
	}
	list := []store.ReadingRow{}
	for _, row := range t.rows {
		if row.SensorID == sensorID {
			list = append(list, row)
		}
	}
	return list, nil
}

// WideColumn is an in-memory store.WideColumn.
type WideColumn struct {
	counter
	rows []store.ReadingRow
}

var _ store.WideColumn = (*WideColumn)(nil)

func (w *WideColumn) InsertRow(_ context.Context, row *store.ReadingRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	w.rows = append(w.rows, *row)
	w.writes++
	return nil
}

func (w *WideColumn) ScanAll(context.Context) ([]store.ReadingRow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return nil, w.Err
	}
	return append([]store.ReadingRow{}, w.rows...), nil
}

// Search is an in-memory store.Search. Queries of the form
// {"query":{"match"|"fuzzy":{field: ...}}} are understood; fuzzy matching is
// a case-insensitive substring test.
type Search struct {
	counter
	indices map[string]map[string]interface{}
	docs    map[int64]store.SearchDocument

	// Queries records the bodies received by Query.
	Queries []map[string]interface{}
}

var _ store.Search = (*Search)(nil)

func (s *Search) EnsureIndex(_ context.Context, index string, mapping map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.indices == nil {
		s.indices = map[string]map[string]interface{}{}
	}
	if _, ok := s.indices[index]; !ok {
		s.indices[index] = mapping
		s.writes++
	}
	return nil
}

// Mapping returns the mapping the index was created with.
func (s *Search) Mapping(index string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.indices[index]
	return m, ok
}

func (s *Search) IndexDocument(_ context.Context, _ string, doc *store.SearchDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.docs == nil {
		s.docs = map[int64]store.SearchDocument{}
	}
	s.docs[doc.ID] = *doc
	s.writes++
	return nil
}

func (s *Search) DeleteDocument(_ context.Context, _ string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.docs, id)
	s.writes++
	return nil
}

func (s *Search) Query(_ context.Context, _ string, body map[string]interface{}) ([]store.SearchDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.Queries = append(s.Queries, body)

	query, _ := body["query"].(map[string]interface{})
	var (
		field, value string
		fuzzy        bool
	)
	for kind, clause := range query {
		fuzzy = kind == "fuzzy"
		for f, v := range clause.(map[string]interface{}) {
			field = f
			if m, ok := v.(map[string]interface{}); ok {
				v = m["value"]
			}
			value, _ = v.(string)
		}
	}

	list := []store.SearchDocument{}
	for _, doc := range s.docs {
		var got string
		switch field {
		case "name":
			got = doc.Name
		case "type":
			got = doc.Type
		case "description":
			got = doc.Description
		case "id":
			got = strconv.FormatInt(doc.ID, 10)
		}
		if got == value || (fuzzy && strings.Contains(strings.ToLower(got), strings.ToLower(value))) {
			list = append(list, doc)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// Document returns an indexed document.
func (s *Search) Document(id int64) (store.SearchDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	return doc, ok
}
