package elastic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senser-io/senser/store"
)

// fakeES is a tiny in-memory Elasticsearch serving the calls made by Index.
type fakeES struct {
	mu       sync.Mutex
	indices  map[string]json.RawMessage
	docs     map[string]store.SearchDocument
	searches []map[string]interface{}
	checks   int
	fail     bool
}

func newFakeES(t *testing.T) (*fakeES, *Index) {
	f := &fakeES{indices: map[string]json.RawMessage{}, docs: map[string]store.SearchDocument{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	idx, err := New([]string{srv.URL}, nil)
	require.NoError(t, err)
	return f, idx
}

func (f *fakeES) setFailing(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeES) indexChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	body, _ := io.ReadAll(r.Body)

	switch {
	case f.fail && r.URL.Path != "/":
		w.WriteHeader(http.StatusInternalServerError)
	case r.URL.Path == "/":
		io.WriteString(w, `{"version":{"number":"8.13.0"},"tagline":"You Know, for Search"}`)
	case r.Method == http.MethodHead && r.URL.Path == "/sensors":
		f.checks++
		if _, ok := f.indices["sensors"]; !ok {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPut && r.URL.Path == "/sensors":
		if _, ok := f.indices["sensors"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"type":"resource_already_exists_exception"},"status":400}`)
			return
		}
		f.indices["sensors"] = body
		io.WriteString(w, `{"acknowledged":true}`)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/sensors/_doc/"):
		var doc store.SearchDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.docs[r.URL.Path[len("/sensors/_doc/"):]] = doc
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"result":"created"}`)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/sensors/_doc/"):
		id := r.URL.Path[len("/sensors/_doc/"):]
		if _, ok := f.docs[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"result":"not_found"}`)
			return
		}
		delete(f.docs, id)
		io.WriteString(w, `{"result":"deleted"}`)
	case r.URL.Path == "/sensors/_search":
		var q map[string]interface{}
		_ = json.Unmarshal(body, &q)
		f.searches = append(f.searches, q)
		type hit struct {
			Source store.SearchDocument `json:"_source"`
		}
		out := struct {
			Hits struct {
				Hits []hit `json:"hits"`
			} `json:"hits"`
		}{}
		for _, doc := range f.docs {
			out.Hits.Hits = append(out.Hits.Hits, hit{Source: doc})
		}
		json.NewEncoder(w).Encode(out)
	case r.URL.Path == "/missing/_search":
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"type":"index_not_found_exception"}}`)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func TestIndex(t *testing.T) {
	fake, idx := newFakeES(t)
	ctx := context.Background()
	mapping := map[string]interface{}{
		"properties": map[string]interface{}{"name": map[string]string{"type": "keyword"}},
	}

	require.NoError(t, idx.EnsureIndex(ctx, "sensors", mapping))
	require.NoError(t, idx.EnsureIndex(ctx, "sensors", mapping))
	assert.JSONEq(t, `{"mappings":{"properties":{"name":{"type":"keyword"}}}}`, string(fake.indices["sensors"]))

	doc := &store.SearchDocument{ID: 1, Name: "Sensor Temperatura 1", Type: "Temperatura", Description: "Sensor de temperatura"}
	require.NoError(t, idx.IndexDocument(ctx, "sensors", doc))
	assert.Equal(t, *doc, fake.docs["1"])

	query := map[string]interface{}{"query": map[string]interface{}{"match": map[string]interface{}{"name": "Sensor Temperatura 1"}}}
	docs, err := idx.Query(ctx, "sensors", query)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.EqualValues(t, 1, docs[0].ID)
	require.Len(t, fake.searches, 1)
	assert.Contains(t, fake.searches[0], "query")

	require.NoError(t, idx.DeleteDocument(ctx, "sensors", 1))
	require.NoError(t, idx.DeleteDocument(ctx, "sensors", 1))
	assert.Empty(t, fake.docs)
}

func TestIndex_EnsureIndexOnce(t *testing.T) {
	fake := &fakeES{indices: map[string]json.RawMessage{}, docs: map[string]store.SearchDocument{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	idx, err := New([]string{srv.URL}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	fake.setFailing(true)
	require.Error(t, idx.EnsureIndex(ctx, "sensors", nil))

	fake.setFailing(false)
	for n := 0; n < 3; n++ {
		require.NoError(t, idx.EnsureIndex(ctx, "sensors", nil))
	}
	assert.Equal(t, 1, fake.indexChecks(), "a failed attempt is not remembered, a successful one is")
	assert.Contains(t, fake.indices, "sensors")

	// Another client finds the index already there.
	other, err := New([]string{srv.URL}, nil)
	require.NoError(t, err)
	require.NoError(t, other.EnsureIndex(ctx, "sensors", nil))
	assert.Equal(t, 2, fake.indexChecks())
}

func TestIndex_MissingIndex(t *testing.T) {
	_, idx := newFakeES(t)
	docs, err := idx.Query(context.Background(), "missing", map[string]interface{}{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIndex_ServerFailure(t *testing.T) {
	_, idx := newFakeES(t)
	err := idx.IndexDocument(context.Background(), "other", &store.SearchDocument{ID: 1})
	assert.Error(t, err)
}
