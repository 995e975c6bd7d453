package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/openbiblio/corpus/pkg/errstax"
)

// Client wraps the raw go-elasticsearch transport with the handful of
// operations pkg/dedup, pkg/percolate, and the search API handler need:
// index/update, percolate-match, and the candidate/full-text queries.
type Client struct {
	es *elasticsearch.Client
}

// Config holds Elasticsearch connection settings.
type Config struct {
	Addresses []string
	Username  string
	Password  string
}

// NewClient constructs a Client against cfg.
func NewClient(cfg Config) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errstax.WrapSDK("search.NewClient", err)
	}
	return &Client{es: es}, nil
}

// IndexDocument upserts a reference document by id.
func (c *Client) IndexDocument(ctx context.Context, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return errstax.WrapSDK("search.IndexDocument.marshal", err)
	}
	req := esapi.IndexRequest{
		Index:      IndexName,
		DocumentID: doc.ReferenceID,
		Body:       bytes.NewReader(body),
		Refresh:    "false",
	}
	return c.do(ctx, req, nil)
}

// DeleteDocument removes a reference document, used when a reference is
// superseded by a canonical merge and should no longer surface in
// search (spec §4.2).
func (c *Client) DeleteDocument(ctx context.Context, referenceID string) error {
	req := esapi.DeleteRequest{Index: IndexName, DocumentID: referenceID}
	return c.do(ctx, req, nil)
}

// IndexPercolatorQuery registers a RobotAutomation's query document in
// the percolator, keyed by automation id.
func (c *Client) IndexPercolatorQuery(ctx context.Context, doc PercolatorDocument) error {
	body, err := json.Marshal(map[string]any{
		"robot_automation_id": doc.RobotAutomationID,
		"robot_id":            doc.RobotID,
		"query":               doc.Query,
	})
	if err != nil {
		return errstax.WrapSDK("search.IndexPercolatorQuery.marshal", err)
	}
	req := esapi.IndexRequest{
		Index:      PercolatorIndexName,
		DocumentID: "automation-" + doc.RobotAutomationID,
		Body:       bytes.NewReader(body),
	}
	return c.do(ctx, req, nil)
}

// DeletePercolatorQuery removes a registered automation's percolator
// document (called when an automation is disabled or deleted).
func (c *Client) DeletePercolatorQuery(ctx context.Context, automationID string) error {
	req := esapi.DeleteRequest{Index: PercolatorIndexName, DocumentID: "automation-" + automationID}
	return c.do(ctx, req, nil)
}

// percolateMatch is one percolate-query hit: the RobotAutomation whose
// query matched the submitted changeset document.
type percolateMatch struct {
	RobotAutomationID string `json:"robot_automation_id"`
	RobotID           string `json:"robot_id"`
}

// Percolate runs doc against every registered percolator query and
// returns the automations that matched (spec §4.3).
func (c *Client) Percolate(ctx context.Context, doc ChangesetDocument) ([]percolateMatch, error) {
	query := map[string]any{
		"query": map[string]any{
			"percolate": map[string]any{
				"field":    "query",
				"document": doc,
			},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, errstax.WrapSDK("search.Percolate.marshal", err)
	}
	req := esapi.SearchRequest{
		Index: []string{PercolatorIndexName},
		Body:  bytes.NewReader(body),
	}
	var parsed searchResponse
	if err := c.do(ctx, req, &parsed); err != nil {
		return nil, err
	}
	matches := make([]percolateMatch, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		var m percolateMatch
		if err := json.Unmarshal(hit.Source, &m); err != nil {
			return nil, &errstax.ESError{Kind: errstax.ESMalformed, Op: "search.Percolate", Err: err}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Search runs a raw Elasticsearch query body against the reference
// index and returns the decoded hits, for the candidate-retrieval query
// (pkg/dedup) and the q= search endpoint (pkg/api).
func (c *Client) Search(ctx context.Context, queryBody map[string]any, size int) ([]Document, error) {
	if size > 0 {
		queryBody["size"] = size
	}
	body, err := json.Marshal(queryBody)
	if err != nil {
		return nil, &errstax.ESError{Kind: errstax.ESQuery, Op: "search.Search", Err: err}
	}
	req := esapi.SearchRequest{
		Index: []string{IndexName},
		Body:  bytes.NewReader(body),
	}
	var parsed searchResponse
	if err := c.do(ctx, req, &parsed); err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		var d Document
		if err := json.Unmarshal(hit.Source, &d); err != nil {
			return nil, &errstax.ESError{Kind: errstax.ESMalformed, Op: "search.Search", Err: err}
		}
		d.Score = hit.Score
		docs = append(docs, d)
	}
	return docs, nil
}

// Mapping is the raw Elasticsearch mapping body applied to every
// versioned index pkg/indexmgr creates — both reference documents and
// percolator queries live in the same index, so it declares a `query`
// field of type `percolator` alongside the Document fields (spec §4.3,
// grounded on original_source's es.py document class + index_manager.py
// calling `document_class.init`).
var Mapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"reference_id":    map[string]any{"type": "keyword"},
			"visibility":      map[string]any{"type": "keyword"},
			"title":           map[string]any{"type": "text"},
			"abstract":        map[string]any{"type": "text"},
			"authors":         map[string]any{"type": "text"},
			"year":            map[string]any{"type": "integer"},
			"active_canonical": map[string]any{"type": "boolean"},
			"query":           map[string]any{"type": "percolator"},
			"annotations": map[string]any{
				"type": "nested",
				"properties": map[string]any{
					"scheme": map[string]any{"type": "keyword"},
					"label":  map[string]any{"type": "keyword"},
					"score":  map[string]any{"type": "float"},
				},
			},
		},
	},
}

// CreateIndex creates a concrete index named name with Mapping applied,
// for pkg/indexmgr's migrate/rebuild/rollback operations.
func (c *Client) CreateIndex(ctx context.Context, name string) error {
	body, err := json.Marshal(Mapping)
	if err != nil {
		return errstax.WrapSDK("search.CreateIndex.marshal", err)
	}
	req := esapi.IndicesCreateRequest{Index: name, Body: bytes.NewReader(body)}
	return c.do(ctx, req, nil)
}

// DeleteIndex deletes a concrete index, used by Rebuild once the alias
// no longer points at it.
func (c *Client) DeleteIndex(ctx context.Context, name string) error {
	req := esapi.IndicesDeleteRequest{Index: []string{name}}
	return c.do(ctx, req, nil)
}

// IndexExists reports whether a concrete index exists.
func (c *Client) IndexExists(ctx context.Context, name string) (bool, error) {
	res, err := esapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, c.es)
	if err != nil {
		return false, &errstax.ESError{Kind: errstax.ESQuery, Op: "search.IndexExists", Err: err}
	}
	defer res.Body.Close()
	return res.StatusCode == 200, nil
}

// CurrentIndex returns the concrete index name alias currently points
// at, or "" if the alias does not exist yet.
func (c *Client) CurrentIndex(ctx context.Context, alias string) (string, error) {
	res, err := esapi.IndicesGetAliasRequest{Name: []string{alias}}.Do(ctx, c.es)
	if err != nil {
		return "", &errstax.ESError{Kind: errstax.ESQuery, Op: "search.CurrentIndex", Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return "", nil
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", &errstax.ESError{Kind: errstax.ESMalformed, Op: "search.CurrentIndex.read", Err: err}
	}
	if res.IsError() {
		return "", &errstax.ESError{Kind: errstax.ESQuery, Op: "search.CurrentIndex", Err: fmt.Errorf("status %s: %s", res.Status(), raw)}
	}
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &errstax.ESError{Kind: errstax.ESMalformed, Op: "search.CurrentIndex.unmarshal", Err: err}
	}
	for name := range parsed {
		return name, nil
	}
	return "", nil
}

// SwitchAlias atomically removes alias from oldIndex (if non-empty) and
// adds it to newIndex in a single update_aliases call (migrate/rollback's
// zero-downtime cutover).
func (c *Client) SwitchAlias(ctx context.Context, alias, oldIndex, newIndex string) error {
	actions := make([]map[string]any, 0, 2)
	if oldIndex != "" {
		actions = append(actions, map[string]any{"remove": map[string]any{"index": oldIndex, "alias": alias}})
	}
	actions = append(actions, map[string]any{"add": map[string]any{"index": newIndex, "alias": alias}})
	body, err := json.Marshal(map[string]any{"actions": actions})
	if err != nil {
		return errstax.WrapSDK("search.SwitchAlias.marshal", err)
	}
	req := esapi.IndicesUpdateAliasesRequest{Body: bytes.NewReader(body)}
	return c.do(ctx, req, nil)
}

// RemoveAlias detaches alias from index, the first step of a
// destructive rebuild before the index itself is deleted.
func (c *Client) RemoveAlias(ctx context.Context, alias, index string) error {
	req := esapi.IndicesDeleteAliasRequest{Index: []string{index}, Name: []string{alias}}
	return c.do(ctx, req, nil)
}

// BlockWrites applies a write block to index, the last step before a
// migration's top-up reindex pass (original_source's add_block call).
func (c *Client) BlockWrites(ctx context.Context, index string) error {
	req := esapi.IndicesAddBlockRequest{Index: index, Block: "write"}
	return c.do(ctx, req, nil)
}

// ReindexSync reindexes every document from source into dest and blocks
// until Elasticsearch's reindex task reports completion, polling every
// pollInterval (original_source's _reindex_data).
func (c *Client) ReindexSync(ctx context.Context, source, dest string, pollInterval time.Duration) error {
	body, err := json.Marshal(map[string]any{
		"source": map[string]any{"index": source},
		"dest":   map[string]any{"index": dest, "version_type": "external"},
		"conflicts": "proceed",
	})
	if err != nil {
		return errstax.WrapSDK("search.ReindexSync.marshal", err)
	}
	waitFalse := false
	req := esapi.ReindexRequest{Body: bytes.NewReader(body), WaitForCompletion: &waitFalse, Refresh: boolPtr(true)}
	var started struct {
		Task string `json:"task"`
	}
	if err := c.do(ctx, req, &started); err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		done, err := c.taskCompleted(ctx, started.Task)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) taskCompleted(ctx context.Context, taskID string) (bool, error) {
	req := esapi.TasksGetRequest{TaskID: taskID}
	var parsed struct {
		Completed bool `json:"completed"`
	}
	if err := c.do(ctx, req, &parsed); err != nil {
		return false, err
	}
	return parsed.Completed, nil
}

func boolPtr(b bool) *bool { return &b }

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// esRequest is the subset of esapi's per-request types this client
// calls through — IndexRequest/DeleteRequest/SearchRequest all satisfy
// it via their generated Do method.
type esRequest interface {
	Do(ctx context.Context, transport esapi.Transport) (*esapi.Response, error)
}

func (c *Client) do(ctx context.Context, req esRequest, out any) error {
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return &errstax.ESError{Kind: errstax.ESQuery, Op: "search.do", Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return &errstax.ESError{Kind: errstax.ESMalformed, Op: "search.do.read", Err: err}
	}
	if res.IsError() {
		return &errstax.ESError{Kind: errstax.ESQuery, Op: "search.do", Err: fmt.Errorf("status %s: %s", res.Status(), raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &errstax.ESError{Kind: errstax.ESMalformed, Op: "search.do.unmarshal", Err: err}
	}
	return nil
}
