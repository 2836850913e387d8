// Package loader runs the batch load cycle for one relation: acquire the
// relation lock, resolve any interrupted prior batch, compute the file diff,
// split it into capacity-bounded batches, and drive each batch through the
// transform executor while recording state and control history.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lakerail/lakerail/internal/diff"
	"github.com/lakerail/lakerail/internal/executor"
	"github.com/lakerail/lakerail/internal/ledger"
	"github.com/lakerail/lakerail/internal/lock"
	"github.com/lakerail/lakerail/internal/metrics"
	"github.com/lakerail/lakerail/internal/notify"
	"github.com/lakerail/lakerail/internal/objectstore"
	"github.com/lakerail/lakerail/internal/query"
	"github.com/lakerail/lakerail/internal/relation"
	"github.com/lakerail/lakerail/internal/sizing"
	"github.com/lakerail/lakerail/internal/state"
)

// Deps carries the orchestrator's collaborators. Metrics, Notifier, and Lock
// may be nil; nil metrics and notifier are replaced with no-ops and a nil
// lock skips locking entirely (single-writer deployments).
type Deps struct {
	Store    objectstore.Client
	States   *state.Store
	Ledger   *ledger.Ledger
	Differ   *diff.Engine
	Executor executor.Executor
	Catalog  query.Catalog
	Lock     *lock.Lock
	Metrics  metrics.Sink
	Notifier notify.Notifier
}

// Orchestrator owns the load cycle of one relation.
type Orchestrator struct {
	spec     relation.Spec
	store    objectstore.Client
	states   *state.Store
	ledger   *ledger.Ledger
	differ   *diff.Engine
	exec     executor.Executor
	catalog  query.Catalog
	lock     *lock.Lock
	metrics  metrics.Sink
	notifier notify.Notifier
	log      *slog.Logger
	now      func() time.Time
}

// New creates an orchestrator for the relation.
func New(spec relation.Spec, deps Deps) *Orchestrator {
	o := &Orchestrator{
		spec:     spec,
		store:    deps.Store,
		states:   deps.States,
		ledger:   deps.Ledger,
		differ:   deps.Differ,
		exec:     deps.Executor,
		catalog:  deps.Catalog,
		lock:     deps.Lock,
		metrics:  deps.Metrics,
		notifier: deps.Notifier,
		log:      slog.With("component", "loader", "relation", spec.Name),
		now:      time.Now,
	}
	if o.metrics == nil {
		o.metrics = metrics.Noop{}
	}
	if o.notifier == nil {
		o.notifier = notify.New(notify.Config{})
	}
	return o
}

// Run executes one full load cycle under the relation lock. A held lock is
// reported as lock.ErrLockHeld so the caller can treat the overlap as a
// benign skip. A release failure after a successful run still fails the run;
// the stale lock needs operator attention before the next cycle.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.lock == nil {
		return o.run(ctx)
	}

	owner := lock.NewOwnerID()
	if err := o.lock.Acquire(ctx, owner); err != nil {
		return err
	}
	o.log.Info("lock acquired", "owner_id", owner)

	runErr := o.run(ctx)

	if err := o.lock.Release(context.WithoutCancel(ctx), owner); err != nil {
		return errors.Join(fmt.Errorf("release lock: %w", err), runErr)
	}
	o.log.Info("lock released", "owner_id", owner)
	return runErr
}

func (o *Orchestrator) run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			o.reportFailure(ctx, err)
		}
	}()

	if err := o.recover(ctx); err != nil {
		return err
	}

	files, err := o.differ.Diff(ctx)
	if err != nil {
		return fmt.Errorf("compute diff: %w", err)
	}
	o.log.Info("diff computed", "strategy", o.differ.Strategy().String(), "files", len(files))

	totalBytes := sizing.TotalSize(files)
	totalUncompressed := sizing.TotalUncompressedEstimate(files)
	perBatch := sizing.ChunkFileCount(totalUncompressed, len(files), o.spec.CapacityUnits)

	ranges := sizing.SplitIndices(len(files), perBatch)
	o.log.Info("batch plan",
		"total_bytes", totalBytes,
		"estimated_uncompressed_bytes", totalUncompressed,
		"files_per_batch", perBatch,
		"batches", len(ranges),
	)

	for _, r := range ranges {
		if err := o.loadBatch(ctx, files[r.Lo:r.Hi]); err != nil {
			return err
		}
	}
	return nil
}

// recover resolves the state left by the previous run. An interrupted batch
// (load_in_progress) is rolled back by purging its partially written output
// and control records, then the state is marked success so the interrupted
// files fall back into the diff.
func (o *Orchestrator) recover(ctx context.Context) error {
	st, err := o.states.Read(ctx)
	if err != nil {
		return err
	}

	switch st.State {
	case state.Unknown, state.Success:
		return nil
	case state.LoadInProgress:
		if st.BatchID == "" {
			return fmt.Errorf("state load_in_progress has no batch_id")
		}
		o.log.Warn("recovering interrupted batch", "batch_id", st.BatchID)
		if err := o.purgeBatch(ctx, st.BatchID); err != nil {
			return fmt.Errorf("purge interrupted batch %s: %w", st.BatchID, err)
		}
		now := o.now().UTC()
		if err := o.states.WriteSuccess(ctx, st.BatchID, now, now); err != nil {
			return fmt.Errorf("reset state after purge: %w", err)
		}
		o.log.Info("interrupted batch rolled back", "batch_id", st.BatchID)
		return nil
	default:
		return fmt.Errorf("unexpected state %q", st.State)
	}
}

// purgeBatch removes everything the interrupted batch wrote: target objects
// carrying its batch_id partition and its control log.
func (o *Orchestrator) purgeBatch(ctx context.Context, batchID string) error {
	listed, err := o.store.List(ctx, o.spec.TargetBucketName(), o.spec.TargetPrefix())
	if err != nil {
		return fmt.Errorf("list target objects: %w", err)
	}

	marker := "batch_id=" + batchID
	var keys []string
	for _, f := range listed {
		if strings.Contains(f.Key, marker) {
			keys = append(keys, f.Key)
		}
	}

	if len(keys) > 0 {
		o.log.Info("deleting partial batch output", "batch_id", batchID, "objects", len(keys))
		if err := o.store.DeleteMany(ctx, o.spec.TargetBucketName(), keys); err != nil {
			return fmt.Errorf("delete partial output: %w", err)
		}
	}

	if err := o.ledger.Delete(ctx, batchID); err != nil {
		return fmt.Errorf("delete control log: %w", err)
	}
	return nil
}

// loadBatch runs one batch end to end: mark load_in_progress, invoke the
// transform executor, persist the control log, and commit success. An empty
// batch writes nothing and only reports a zero-volume success.
func (o *Orchestrator) loadBatch(ctx context.Context, files []relation.FileRecord) error {
	start := o.now().UTC()
	batchID := relation.BatchID(start)
	log := o.log.With("batch_id", batchID)

	if len(files) == 0 {
		log.Info("no new source files")
		o.metrics.IncBatchSuccess(o.spec.Name)
		o.notify(ctx,
			fmt.Sprintf("SUCCESS - lakerail - %s", o.spec.Name),
			fmt.Sprintf("batch %s loaded 0 files (0 bytes)", batchID),
		)
		return nil
	}

	batchBytes := sizing.TotalSize(files)
	batchUncompressed := sizing.TotalUncompressedEstimate(files)
	log.Info("batch starting",
		"files", len(files),
		"bytes", batchBytes,
		"estimated_uncompressed_bytes", batchUncompressed,
	)

	if err := o.states.WriteLoadInProgress(ctx, batchID, start, files); err != nil {
		return err
	}

	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = f.Key
	}

	req := executor.LoadRequest{
		Relation:         o.spec.Name,
		BatchID:          batchID,
		SourcePaths:      o.spec.S3APaths(keys),
		SourceFormat:     o.spec.SourceFormat,
		TargetLocation:   "s3a://" + o.spec.TargetBucket,
		Columns:          o.spec.Columns,
		PartitionColumns: o.spec.PartitionColumns,
		EstimatedBytes:   batchUncompressed,
		FileCount:        len(files),
		PartitionTarget:  sizing.PartitionTarget(o.spec.CapacityUnits, batchUncompressed),
		CapacityUnits:    o.spec.CapacityUnits,
	}
	if err := o.exec.Load(ctx, req); err != nil {
		return fmt.Errorf("load batch %s: %w", batchID, err)
	}

	o.repairTarget(ctx)

	end := o.now().UTC()
	recs := o.ledger.RecordsForBatch(batchID, keys, start, end)
	if err := o.ledger.Persist(ctx, batchID, recs); err != nil {
		return err
	}

	if err := o.states.WriteSuccess(ctx, batchID, start, end); err != nil {
		return err
	}

	o.metrics.IncBatchSuccess(o.spec.Name)
	o.metrics.AddSourceBytes(o.spec.Name, float64(batchBytes))
	o.metrics.AddSourceBytesUncompressedEstimate(o.spec.Name, float64(batchUncompressed))
	o.metrics.AddSourceFiles(o.spec.Name, float64(len(files)))

	log.Info("batch committed", "files", len(files), "bytes", batchBytes, "duration", end.Sub(start).String())
	o.notify(ctx,
		fmt.Sprintf("SUCCESS - lakerail - %s", o.spec.Name),
		fmt.Sprintf("batch %s loaded %d files (%d bytes)", batchID, len(files), batchBytes),
	)
	return nil
}

// repairTarget refreshes the catalog's partition list for the target table.
// New batch partitions must become visible, but a repair failure never fails
// a batch whose data already landed.
func (o *Orchestrator) repairTarget(ctx context.Context) {
	if o.catalog == nil {
		return
	}
	if err := o.catalog.RepairPartitions(ctx, o.spec.TargetDatabase(), o.spec.TargetTable()); err != nil {
		o.log.Warn("target partition repair failed", "error", err)
	}
}

func (o *Orchestrator) reportFailure(ctx context.Context, runErr error) {
	o.metrics.IncBatchFailure(o.spec.Name)
	o.notify(ctx,
		fmt.Sprintf("FAILURE - lakerail - %s", o.spec.Name),
		runErr.Error(),
	)
}

func (o *Orchestrator) notify(ctx context.Context, subject, message string) {
	if err := o.notifier.Publish(ctx, subject, message); err != nil {
		o.log.Warn("notification failed", "subject", subject, "error", err)
	}
}
