// Package query defines the interactive SQL engine and catalog contracts, and
// the runner that drives a submitted query to completion.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrQueryFailed is returned when a query reaches a failed or cancelled
// terminal state.
var ErrQueryFailed = errors.New("query failed")

// State is the execution state reported by the query service.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ResultLocation is the object holding a completed query's CSV results.
type ResultLocation struct {
	Bucket string
	Key    string
}

// Service is the interactive SQL engine the diff and ledger reads run on.
type Service interface {
	// Submit starts a query and returns its execution ID.
	Submit(ctx context.Context, sql, database, outputLocation string) (string, error)

	// Poll reports the current execution state.
	Poll(ctx context.Context, queryID string) (State, error)

	// ResultsLocation returns where a succeeded query wrote its CSV output.
	ResultsLocation(ctx context.Context, queryID string) (ResultLocation, error)
}

// Column describes one column of a catalog table.
type Column struct {
	Name string
	Type string
}

// TableMeta is the schema metadata returned by the catalog.
type TableMeta struct {
	Columns       []Column
	PartitionKeys []Column
}

// HasColumn reports whether the table carries the named column.
func (t TableMeta) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Catalog is the schema and partition metadata service.
type Catalog interface {
	// DescribeTable returns column metadata for a table.
	DescribeTable(ctx context.Context, database, table string) (TableMeta, error)

	// RepairPartitions asks the catalog to re-scan a table's partitions.
	// Callers treat it as fire-and-forget.
	RepairPartitions(ctx context.Context, database, table string) error
}

const (
	defaultRetries      = 3
	defaultPollInterval = 125 * time.Millisecond
)

// Runner drives queries to a terminal state. Transient submission and
// execution failures are retried up to a fixed budget with no backoff.
type Runner struct {
	svc          Service
	log          *slog.Logger
	retries      int
	pollInterval time.Duration
}

// NewRunner creates a runner with the fixed retry budget and poll interval.
func NewRunner(svc Service) *Runner {
	return &Runner{
		svc:          svc,
		log:          slog.With("component", "query"),
		retries:      defaultRetries,
		pollInterval: defaultPollInterval,
	}
}

// Run submits the query and blocks until it succeeds, returning the
// execution ID. Submission and the execution wait each get the retry budget;
// exhausting either escalates the last error.
func (r *Runner) Run(ctx context.Context, sql, database, outputLocation string) (string, error) {
	queryID, err := r.submit(ctx, sql, database, outputLocation)
	if err != nil {
		return "", err
	}
	if err := r.wait(ctx, queryID); err != nil {
		return "", err
	}
	return queryID, nil
}

// ResultsLocation exposes the service's result location lookup.
func (r *Runner) ResultsLocation(ctx context.Context, queryID string) (ResultLocation, error) {
	return r.svc.ResultsLocation(ctx, queryID)
}

func (r *Runner) submit(ctx context.Context, sql, database, outputLocation string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retries; attempt++ {
		queryID, err := r.svc.Submit(ctx, sql, database, outputLocation)
		if err == nil {
			r.log.Debug("query submitted", "query_id", queryID, "database", database)
			return queryID, nil
		}
		lastErr = err
		r.log.Warn("query submission failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("submit query after %d attempts: %w", r.retries, lastErr)
}

func (r *Runner) wait(ctx context.Context, queryID string) error {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= r.retries; attempt++ {
		err := r.pollUntilDone(ctx, queryID)
		if err == nil {
			r.log.Debug("query succeeded", "query_id", queryID, "duration", time.Since(start).String())
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		r.log.Warn("query execution failed", "query_id", queryID, "attempt", attempt, "error", err)
	}
	return fmt.Errorf("query %s after %d attempts: %w", queryID, r.retries, lastErr)
}

func (r *Runner) pollUntilDone(ctx context.Context, queryID string) error {
	for {
		state, err := r.svc.Poll(ctx, queryID)
		if err != nil {
			return fmt.Errorf("poll query %s: %w", queryID, err)
		}
		if state.Terminal() {
			if state != StateSucceeded {
				return fmt.Errorf("query %s finished %s: %w", queryID, state, ErrQueryFailed)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}
