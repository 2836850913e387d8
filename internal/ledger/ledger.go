// Package ledger persists and reads the append-only record of which source
// files have been committed by completed batches.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/lakerail/lakerail/internal/objectstore"
	"github.com/lakerail/lakerail/internal/query"
	"github.com/lakerail/lakerail/internal/relation"
)

// Record marks one source file as durably loaded by a batch.
type Record struct {
	BatchID        string `json:"batch_id"`
	BatchStartTime string `json:"batch_start_time"`
	BatchEndTime   string `json:"batch_end_time"`
	SourceFormat   string `json:"source_format"`
	SourceRelation string `json:"source_relation"`
	SourceBucket   string `json:"source_bucket"`
	SourceKey      string `json:"source_key"`
	LoadType       string `json:"load_type"`
	Status         string `json:"status"`
}

// Ledger reads and writes per-batch control logs for one relation.
type Ledger struct {
	spec   relation.Spec
	store  objectstore.Client
	runner *query.Runner
	log    *slog.Logger
}

// New creates a ledger bound to the relation's control table and state
// bucket.
func New(spec relation.Spec, store objectstore.Client, runner *query.Runner) *Ledger {
	return &Ledger{
		spec:   spec,
		store:  store,
		runner: runner,
		log:    slog.With("component", "ledger", "relation", spec.Name),
	}
}

// RecordsForBatch builds one record per loaded key, all sharing the batch's
// identity and timing.
func (l *Ledger) RecordsForBatch(batchID string, keys []string, start, end time.Time) []Record {
	recs := make([]Record, 0, len(keys))
	for _, k := range keys {
		recs = append(recs, Record{
			BatchID:        batchID,
			BatchStartTime: relation.SQLTimestamp(start),
			BatchEndTime:   relation.SQLTimestamp(end),
			SourceFormat:   l.spec.SourceFormat,
			SourceRelation: l.spec.Name,
			SourceBucket:   l.spec.SourceBucket,
			SourceKey:      k,
			LoadType:       "append",
			Status:         "success",
		})
	}
	return recs
}

// Persist writes the batch's records as one gzip-compressed NDJSON object.
// Control logs are append-only: one object per batch, never mutated.
func (l *Ledger) Persist(ctx context.Context, batchID string, recs []Record) error {
	l.log.Info("writing control records", "batch_id", batchID, "count", len(recs))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			zw.Close()
			return fmt.Errorf("encode control record: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress control records: %w", err)
	}

	key := l.spec.ControlKey(batchID)
	if err := l.store.Put(ctx, l.spec.StateBucketName(), key, buf.Bytes()); err != nil {
		return fmt.Errorf("persist control log %s: %w", key, err)
	}
	return nil
}

// Delete removes the control log for a batch. Missing logs are tolerated so
// recovery purges can repeat.
func (l *Ledger) Delete(ctx context.Context, batchID string) error {
	return l.store.Delete(ctx, l.spec.StateBucketName(), l.spec.ControlKey(batchID))
}

// LoadedKeys queries the control table for every committed source key.
func (l *Ledger) LoadedKeys(ctx context.Context) (map[string]struct{}, error) {
	sql := "select source_key from " + l.spec.ControlTableName()

	queryID, err := l.runner.Run(ctx, sql, l.spec.ControlDatabase(), l.spec.TempResultsLocation())
	if err != nil {
		return nil, fmt.Errorf("loaded keys query: %w", err)
	}

	loc, err := l.runner.ResultsLocation(ctx, queryID)
	if err != nil {
		return nil, err
	}
	csv, err := l.store.Get(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch loaded keys: %w", err)
	}

	return parseKeyCSV(csv), nil
}

// parseKeyCSV parses the single-column source_key result CSV, skipping the
// header row.
func parseKeyCSV(data []byte) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, line := range strings.Split(string(data), "\n") {
		key := strings.ReplaceAll(strings.TrimSpace(line), `"`, "")
		if key == "" || key == "source_key" {
			continue
		}
		keys[key] = struct{}{}
	}
	return keys
}
