package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeService scripts submission and polling behavior.
type fakeService struct {
	submitFailures int
	submitCalls    int

	pollStates map[string][]State
	pollCalls  int

	results map[string]ResultLocation
}

func (f *fakeService) Submit(ctx context.Context, sql, database, output string) (string, error) {
	f.submitCalls++
	if f.submitCalls <= f.submitFailures {
		return "", fmt.Errorf("service unavailable")
	}
	return "q-1", nil
}

func (f *fakeService) Poll(ctx context.Context, queryID string) (State, error) {
	f.pollCalls++
	states := f.pollStates[queryID]
	if len(states) == 0 {
		return StateSucceeded, nil
	}
	s := states[0]
	if len(states) > 1 {
		f.pollStates[queryID] = states[1:]
	}
	return s, nil
}

func (f *fakeService) ResultsLocation(ctx context.Context, queryID string) (ResultLocation, error) {
	loc, ok := f.results[queryID]
	if !ok {
		return ResultLocation{}, fmt.Errorf("no results for %s", queryID)
	}
	return loc, nil
}

func newTestRunner(svc Service) *Runner {
	r := NewRunner(svc)
	r.pollInterval = time.Millisecond
	return r
}

func TestRunPollsToSuccess(t *testing.T) {
	svc := &fakeService{
		pollStates: map[string][]State{
			"q-1": {StateQueued, StateRunning, StateRunning, StateSucceeded},
		},
	}
	r := newTestRunner(svc)

	id, err := r.Run(context.Background(), "select 1", "default", "s3://tmp/")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if id != "q-1" {
		t.Errorf("query id = %q", id)
	}
	if svc.pollCalls != 4 {
		t.Errorf("pollCalls = %d, want 4", svc.pollCalls)
	}
}

func TestRunRetriesSubmission(t *testing.T) {
	svc := &fakeService{submitFailures: 2}
	r := newTestRunner(svc)

	if _, err := r.Run(context.Background(), "select 1", "default", "s3://tmp/"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if svc.submitCalls != 3 {
		t.Errorf("submitCalls = %d, want 3", svc.submitCalls)
	}
}

func TestRunExhaustsSubmissionRetries(t *testing.T) {
	svc := &fakeService{submitFailures: 10}
	r := newTestRunner(svc)

	_, err := r.Run(context.Background(), "select 1", "default", "s3://tmp/")
	if err == nil {
		t.Fatal("expected error")
	}
	if svc.submitCalls != 3 {
		t.Errorf("submitCalls = %d, want 3", svc.submitCalls)
	}
}

func TestRunFailedQuery(t *testing.T) {
	svc := &fakeService{
		pollStates: map[string][]State{
			"q-1": {StateRunning, StateFailed},
		},
	}
	r := newTestRunner(svc)

	_, err := r.Run(context.Background(), "select 1", "default", "s3://tmp/")
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("Run = %v, want ErrQueryFailed", err)
	}
}

func TestRunCancelledQuery(t *testing.T) {
	svc := &fakeService{
		pollStates: map[string][]State{
			"q-1": {StateCancelled},
		},
	}
	r := newTestRunner(svc)

	if _, err := r.Run(context.Background(), "select 1", "default", "s3://tmp/"); !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("Run = %v, want ErrQueryFailed", err)
	}
}

func TestTableMetaHasColumn(t *testing.T) {
	meta := TableMeta{Columns: []Column{{Name: "key"}, {Name: "is_latest"}}}
	if !meta.HasColumn("is_latest") {
		t.Error("HasColumn(is_latest) = false")
	}
	if meta.HasColumn("is_delete_marker") {
		t.Error("HasColumn(is_delete_marker) = true")
	}
}
