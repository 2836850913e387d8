package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPExecutor submits load jobs to a transform job server and blocks until
// the server reports the job finished.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewHTTPExecutor creates an executor client for the job server at
// cfg.Endpoint.
func NewHTTPExecutor(cfg Config) *HTTPExecutor {
	return &HTTPExecutor{
		endpoint: cfg.Endpoint,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		log: slog.With("component", "executor"),
	}
}

// Load posts the request and treats any non-2xx response as a load failure.
// The job server is expected to hold the connection until the transform
// completes.
func (e *HTTPExecutor) Load(ctx context.Context, req LoadRequest) error {
	e.log.Info("submitting load",
		"relation", req.Relation,
		"batch_id", req.BatchID,
		"files", req.FileCount,
		"estimated_bytes", req.EstimatedBytes,
		"partition_target", req.PartitionTarget,
	)
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal load request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/loads", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create load request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", req.BatchID, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("load batch %s: job server returned %d: %s", req.BatchID, resp.StatusCode, detail)
	}

	e.log.Info("load complete", "batch_id", req.BatchID, "duration", time.Since(start).String())
	return nil
}
