// Package elastic implements the full-text index on Elasticsearch.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/pkg/errors"

	"github.com/senser-io/senser/store"
)

// Index is the search store.
type Index struct {
	es *elasticsearch.Client

	// ensured holds the names of the indices known to exist.
	ensured sync.Map
}

var _ store.Search = (*Index)(nil)

// New returns a store talking to the given nodes.
func New(addresses []string, transport http.RoundTripper) (*Index, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Transport: transport,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create elasticsearch client")
	}
	return &Index{es: es}, nil
}

// responseError turns an error response into a Go error.
func responseError(res *esapi.Response, op string) error {
	blob, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return errors.Errorf("%s failed: %s %s", op, res.Status(), strings.TrimSpace(string(blob)))
}

// EnsureIndex implements store.Search. The server is asked once per index;
// later calls return as soon as a previous one succeeded.
func (i *Index) EnsureIndex(ctx context.Context, index string, mapping map[string]interface{}) error {
	if _, ok := i.ensured.Load(index); ok {
		return nil
	}
	if err := i.ensureIndex(ctx, index, mapping); err != nil {
		return err
	}
	i.ensured.Store(index, struct{}{})
	return nil
}

func (i *Index) ensureIndex(ctx context.Context, index string, mapping map[string]interface{}) error {
	res, err := i.es.Indices.Exists([]string{index}, i.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "index check failed")
	}
	res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return errors.Errorf("index check failed: %s", res.Status())
	}

	body, err := json.Marshal(map[string]interface{}{"mappings": mapping})
	if err != nil {
		return err
	}
	res, err = i.es.Indices.Create(index,
		i.es.Indices.Create.WithContext(ctx),
		i.es.Indices.Create.WithBody(bytes.NewReader(body)))
	if err != nil {
		return errors.Wrap(err, "index creation failed")
	}
	defer res.Body.Close()
	if res.IsError() {
		// Someone else created it in the meantime.
		if res.StatusCode == http.StatusBadRequest {
			var e struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			blob, _ := io.ReadAll(res.Body)
			if json.Unmarshal(blob, &e) == nil && e.Error.Type == "resource_already_exists_exception" {
				return nil
			}
			return errors.Errorf("index creation failed: %s %s", res.Status(), blob)
		}
		return responseError(res, "index creation")
	}
	return nil
}

// IndexDocument implements store.Search. The document id is the sensor id
// so indexing twice overwrites.
func (i *Index) IndexDocument(ctx context.Context, index string, doc *store.SearchDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := i.es.Index(index, bytes.NewReader(body),
		i.es.Index.WithContext(ctx),
		i.es.Index.WithDocumentID(strconv.FormatInt(doc.ID, 10)),
		i.es.Index.WithRefresh("true"))
	if err != nil {
		return errors.Wrap(err, "indexing failed")
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res, "indexing")
	}
	return nil
}

// DeleteDocument implements store.Search. Missing documents are ignored.
func (i *Index) DeleteDocument(ctx context.Context, index string, id int64) error {
	res, err := i.es.Delete(index, strconv.FormatInt(id, 10),
		i.es.Delete.WithContext(ctx),
		i.es.Delete.WithRefresh("true"))
	if err != nil {
		return errors.Wrap(err, "deletion failed")
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseError(res, "deletion")
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source store.SearchDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Query implements store.Search. A missing index yields no results.
func (i *Index) Query(ctx context.Context, index string, body map[string]interface{}) ([]store.SearchDocument, error) {
	blob, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	res, err := i.es.Search(
		i.es.Search.WithContext(ctx),
		i.es.Search.WithIndex(index),
		i.es.Search.WithBody(bytes.NewReader(blob)))
	if err != nil {
		return nil, errors.Wrap(err, "search failed")
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return []store.SearchDocument{}, nil
	}
	if res.IsError() {
		return nil, responseError(res, "search")
	}

	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "malformed search response")
	}
	docs := make([]store.SearchDocument, 0, len(out.Hits.Hits))
	for _, hit := range out.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}
