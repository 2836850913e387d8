package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient talks to a query gateway exposing the query service and catalog
// over HTTP. It implements both Service and Catalog.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient creates a client for the gateway at endpoint.
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type submitRequest struct {
	SQL            string `json:"sql"`
	Database       string `json:"database"`
	OutputLocation string `json:"output_location"`
}

type submitResponse struct {
	QueryID string `json:"query_id"`
}

// Submit starts a query execution.
func (c *HTTPClient) Submit(ctx context.Context, sql, database, outputLocation string) (string, error) {
	var resp submitResponse
	err := c.do(ctx, http.MethodPost, "/queries", submitRequest{
		SQL:            sql,
		Database:       database,
		OutputLocation: outputLocation,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("submit query: %w", err)
	}
	if resp.QueryID == "" {
		return "", fmt.Errorf("submit query: empty query id in response")
	}
	return resp.QueryID, nil
}

type pollResponse struct {
	State string `json:"state"`
}

// Poll reports the execution state.
func (c *HTTPClient) Poll(ctx context.Context, queryID string) (State, error) {
	var resp pollResponse
	if err := c.do(ctx, http.MethodGet, "/queries/"+queryID, nil, &resp); err != nil {
		return "", fmt.Errorf("poll query %s: %w", queryID, err)
	}
	return State(resp.State), nil
}

type resultsResponse struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ResultsLocation returns the CSV results object for a succeeded query.
func (c *HTTPClient) ResultsLocation(ctx context.Context, queryID string) (ResultLocation, error) {
	var resp resultsResponse
	if err := c.do(ctx, http.MethodGet, "/queries/"+queryID+"/results", nil, &resp); err != nil {
		return ResultLocation{}, fmt.Errorf("results for query %s: %w", queryID, err)
	}
	return ResultLocation{Bucket: resp.Bucket, Key: resp.Key}, nil
}

type describeResponse struct {
	Columns       []Column `json:"columns"`
	PartitionKeys []Column `json:"partition_keys"`
}

// DescribeTable returns column metadata for a table.
func (c *HTTPClient) DescribeTable(ctx context.Context, database, table string) (TableMeta, error) {
	var resp describeResponse
	path := "/catalog/" + database + "/" + table
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return TableMeta{}, fmt.Errorf("describe %s.%s: %w", database, table, err)
	}
	return TableMeta{Columns: resp.Columns, PartitionKeys: resp.PartitionKeys}, nil
}

// RepairPartitions asks the catalog to re-scan a table's partitions.
func (c *HTTPClient) RepairPartitions(ctx context.Context, database, table string) error {
	path := "/catalog/" + database + "/" + table + "/repair"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("repair %s.%s: %w", database, table, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
