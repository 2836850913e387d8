package loader

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/lakerail/lakerail/internal/diff"
	"github.com/lakerail/lakerail/internal/executor"
	"github.com/lakerail/lakerail/internal/ledger"
	"github.com/lakerail/lakerail/internal/lock"
	"github.com/lakerail/lakerail/internal/objectstore"
	"github.com/lakerail/lakerail/internal/query"
	"github.com/lakerail/lakerail/internal/relation"
	"github.com/lakerail/lakerail/internal/state"
)

func testSpec() relation.Spec {
	return relation.Spec{
		DeploymentID: "deploy-1",
		Name:         "prod.sales.v1.orders",
		SourceBucket: "raw-bucket/incoming",
		TargetBucket: "lake-bucket/data",
		StateBucket:  "state-bucket",
		TempBucket:   "tmp-bucket",
		SourceFormat: "json",
		ControlTable: "admin.orders_control",
		DiffStrategy: "api",
	}
}

func memClient(t *testing.T) objectstore.Client {
	t.Helper()
	buckets := make(map[string]*blob.Bucket)
	c := objectstore.New(func(ctx context.Context, bucket string) (*blob.Bucket, error) {
		if b, ok := buckets[bucket]; ok {
			return b, nil
		}
		b, err := blob.OpenBucket(ctx, "mem://")
		if err != nil {
			return nil, err
		}
		buckets[bucket] = b
		return b, nil
	})
	t.Cleanup(func() { c.Close() })
	return c
}

type staticLoaded map[string]struct{}

func (s staticLoaded) LoadedKeys(ctx context.Context) (map[string]struct{}, error) {
	return s, nil
}

type fakeQuery struct{}

func (fakeQuery) Submit(ctx context.Context, sql, database, output string) (string, error) {
	return "q-1", nil
}

func (fakeQuery) Poll(ctx context.Context, queryID string) (query.State, error) {
	return query.StateSucceeded, nil
}

func (fakeQuery) ResultsLocation(ctx context.Context, queryID string) (query.ResultLocation, error) {
	return query.ResultLocation{}, nil
}

type recordingExecutor struct {
	requests []executor.LoadRequest
	err      error
}

func (r *recordingExecutor) Load(ctx context.Context, req executor.LoadRequest) error {
	r.requests = append(r.requests, req)
	return r.err
}

type recordingNotifier struct {
	subjects []string
	messages []string
}

func (r *recordingNotifier) Publish(ctx context.Context, subject, message string) error {
	r.subjects = append(r.subjects, subject)
	r.messages = append(r.messages, message)
	return nil
}

type recordingSink struct {
	successes   int
	failures    int
	bytes       float64
	uncompBytes float64
	files       float64
}

func (r *recordingSink) IncBatchSuccess(string)          { r.successes++ }
func (r *recordingSink) IncBatchFailure(string)          { r.failures++ }
func (r *recordingSink) AddSourceBytes(_ string, b float64) { r.bytes += b }
func (r *recordingSink) AddSourceBytesUncompressedEstimate(_ string, b float64) {
	r.uncompBytes += b
}
func (r *recordingSink) AddSourceFiles(_ string, n float64) { r.files += n }

type recordingCatalog struct {
	repairCalls []string
}

func (r *recordingCatalog) DescribeTable(ctx context.Context, database, table string) (query.TableMeta, error) {
	return query.TableMeta{}, nil
}

func (r *recordingCatalog) RepairPartitions(ctx context.Context, database, table string) error {
	r.repairCalls = append(r.repairCalls, database+"."+table)
	return nil
}

type memLockStore struct {
	owners map[string]string
}

func newMemLockStore() *memLockStore {
	return &memLockStore{owners: make(map[string]string)}
}

func (m *memLockStore) PutIfAbsent(ctx context.Context, lockID, ownerID string) error {
	if _, held := m.owners[lockID]; held {
		return lock.ErrLockHeld
	}
	m.owners[lockID] = ownerID
	return nil
}

func (m *memLockStore) DeleteIfOwner(ctx context.Context, lockID, ownerID string) error {
	if m.owners[lockID] == ownerID {
		delete(m.owners, lockID)
	}
	return nil
}

type env struct {
	spec     relation.Spec
	store    objectstore.Client
	states   *state.Store
	ledger   *ledger.Ledger
	exec     *recordingExecutor
	notifier *recordingNotifier
	catalog  *recordingCatalog
	sink     *recordingSink
}

func newOrchestrator(t *testing.T, loaded staticLoaded, lk *lock.Lock) (*Orchestrator, *env) {
	t.Helper()
	spec := testSpec()
	store := memClient(t)
	runner := query.NewRunner(fakeQuery{})
	led := ledger.New(spec, store, runner)
	cat := &recordingCatalog{}

	differ, err := diff.New(spec, store, runner, cat, loaded)
	if err != nil {
		t.Fatal(err)
	}

	e := &env{
		spec:     spec,
		store:    store,
		states:   state.New(spec, store),
		ledger:   led,
		exec:     &recordingExecutor{},
		notifier: &recordingNotifier{},
		catalog:  cat,
		sink:     &recordingSink{},
	}

	o := New(spec, Deps{
		Store:    store,
		States:   e.states,
		Ledger:   led,
		Differ:   differ,
		Executor: e.exec,
		Catalog:  cat,
		Lock:     lk,
		Metrics:  e.sink,
		Notifier: e.notifier,
	})
	return o, e
}

func TestRunLoadsNewFiles(t *testing.T) {
	ctx := context.Background()
	o, e := newOrchestrator(t, staticLoaded{"incoming/f1.json": {}}, nil)

	for _, key := range []string{"incoming/f1.json", "incoming/f2.json", "incoming/f3.json"} {
		if err := e.store.Put(ctx, "raw-bucket", key, []byte("payload")); err != nil {
			t.Fatal(err)
		}
	}

	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(e.exec.requests) != 1 {
		t.Fatalf("executor called %d times, want 1", len(e.exec.requests))
	}
	req := e.exec.requests[0]
	if req.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2", req.FileCount)
	}
	if len(req.SourcePaths) != 2 || !strings.HasPrefix(req.SourcePaths[0], "s3a://raw-bucket/") {
		t.Errorf("SourcePaths = %v", req.SourcePaths)
	}
	if req.TargetLocation != "s3a://lake-bucket/data" {
		t.Errorf("TargetLocation = %q", req.TargetLocation)
	}
	if req.PartitionTarget < 1 {
		t.Errorf("PartitionTarget = %d", req.PartitionTarget)
	}

	st, err := e.states.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != state.Success || st.BatchID != req.BatchID {
		t.Errorf("final state = %+v", st)
	}

	// Control log must be committed under the batch ID.
	if _, err := e.store.Get(ctx, "state-bucket", e.spec.ControlKey(req.BatchID)); err != nil {
		t.Errorf("control log missing: %v", err)
	}

	if len(e.catalog.repairCalls) != 1 || e.catalog.repairCalls[0] != e.spec.TargetDatabase()+"."+e.spec.TargetTable() {
		t.Errorf("repairCalls = %v", e.catalog.repairCalls)
	}

	if len(e.notifier.subjects) != 1 || !strings.HasPrefix(e.notifier.subjects[0], "SUCCESS") {
		t.Errorf("notifications = %v", e.notifier.subjects)
	}

	if e.sink.successes != 1 || e.sink.failures != 0 {
		t.Errorf("counters = %d success / %d failure", e.sink.successes, e.sink.failures)
	}
	if e.sink.bytes != 14 || e.sink.files != 2 {
		t.Errorf("volume = %.0f bytes / %.0f files", e.sink.bytes, e.sink.files)
	}
}

func TestRunZeroDiffReportsSuccess(t *testing.T) {
	ctx := context.Background()
	o, e := newOrchestrator(t, staticLoaded{}, nil)

	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(e.exec.requests) != 0 {
		t.Errorf("executor called %d times for empty diff", len(e.exec.requests))
	}
	if len(e.notifier.subjects) != 1 || !strings.HasPrefix(e.notifier.subjects[0], "SUCCESS") {
		t.Errorf("notifications = %v", e.notifier.subjects)
	}
	if !strings.Contains(e.notifier.messages[0], "0 files") {
		t.Errorf("message = %q", e.notifier.messages[0])
	}

	// No batch ran, so no state is written.
	st, err := e.states.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != state.Unknown {
		t.Errorf("state = %v", st.State)
	}
}

func TestRunRecoversInterruptedBatch(t *testing.T) {
	ctx := context.Background()
	o, e := newOrchestrator(t, staticLoaded{}, nil)

	// A prior run died mid-batch: state says load_in_progress and partial
	// output plus a control log are on disk.
	interrupted := "20250101000000000"
	err := e.states.WriteLoadInProgress(ctx, interrupted, time.Now().UTC(), []relation.FileRecord{{Key: "incoming/old.json", Size: 7}})
	if err != nil {
		t.Fatal(err)
	}
	partials := []string{
		"data/batch_id=" + interrupted + "/part-0000.parquet",
		"data/batch_id=" + interrupted + "/part-0001.parquet",
	}
	for _, key := range partials {
		if err := e.store.Put(ctx, "lake-bucket", key, []byte("partial")); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.store.Put(ctx, "lake-bucket", "data/batch_id=20240101000000000/part-0000.parquet", []byte("committed")); err != nil {
		t.Fatal(err)
	}
	if err := e.store.Put(ctx, "state-bucket", e.spec.ControlKey(interrupted), []byte("gz")); err != nil {
		t.Fatal(err)
	}

	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, key := range partials {
		if _, err := e.store.Get(ctx, "lake-bucket", key); !errors.Is(err, objectstore.ErrNotFound) {
			t.Errorf("partial object %s survived recovery: %v", key, err)
		}
	}
	if _, err := e.store.Get(ctx, "lake-bucket", "data/batch_id=20240101000000000/part-0000.parquet"); err != nil {
		t.Errorf("committed object deleted during recovery: %v", err)
	}
	if _, err := e.store.Get(ctx, "state-bucket", e.spec.ControlKey(interrupted)); !errors.Is(err, objectstore.ErrNotFound) {
		t.Errorf("interrupted control log survived recovery: %v", err)
	}

	st, err := e.states.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != state.Success {
		t.Errorf("state after recovery = %v", st.State)
	}
}

func TestRunExecutorFailure(t *testing.T) {
	ctx := context.Background()
	o, e := newOrchestrator(t, staticLoaded{}, nil)
	e.exec.err = errors.New("cluster unavailable")

	if err := e.store.Put(ctx, "raw-bucket", "incoming/f1.json", []byte("payload")); err != nil {
		t.Fatal(err)
	}

	err := o.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "cluster unavailable") {
		t.Fatalf("Run error = %v", err)
	}

	if len(e.notifier.subjects) != 1 || !strings.HasPrefix(e.notifier.subjects[0], "FAILURE") {
		t.Errorf("notifications = %v", e.notifier.subjects)
	}
	if e.sink.failures != 1 || e.sink.successes != 0 {
		t.Errorf("counters = %d success / %d failure", e.sink.successes, e.sink.failures)
	}

	// State stays load_in_progress so the next run purges and retries.
	st, err := e.states.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != state.LoadInProgress {
		t.Errorf("state after failure = %v", st.State)
	}
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	store := newMemLockStore()
	lk := lock.New(store, "deploy-1.prod.sales.v1.orders")
	if err := lk.Acquire(ctx, "other-owner"); err != nil {
		t.Fatal(err)
	}

	o, e := newOrchestrator(t, staticLoaded{}, lk)

	err := o.Run(ctx)
	if !errors.Is(err, lock.ErrLockHeld) {
		t.Fatalf("Run error = %v, want ErrLockHeld", err)
	}
	if len(e.exec.requests) != 0 {
		t.Errorf("executor ran under a held lock")
	}
	// A held lock is an overlap, not a failure.
	if len(e.notifier.subjects) != 0 {
		t.Errorf("notifications sent for held lock: %v", e.notifier.subjects)
	}
}

func TestRunReleasesLock(t *testing.T) {
	ctx := context.Background()
	store := newMemLockStore()
	lk := lock.New(store, "deploy-1.prod.sales.v1.orders")

	o, _ := newOrchestrator(t, staticLoaded{}, lk)
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.owners) != 0 {
		t.Errorf("lock still held after run: %v", store.owners)
	}
}
