// Package state persists the current processing state for a relation. The
// single state object is the sole crash-recovery signal: a batch interrupted
// mid-flight leaves load_in_progress behind for the next run to resolve.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lakerail/lakerail/internal/objectstore"
	"github.com/lakerail/lakerail/internal/relation"
)

// Kind names a processing state.
type Kind string

const (
	// Unknown means no prior run has recorded state.
	Unknown Kind = "unknown"
	// Success means the last batch fully committed.
	Success Kind = "success"
	// LoadInProgress means a batch is mid-flight or was interrupted.
	LoadInProgress Kind = "load_in_progress"
)

// State is the persisted processing state of one relation.
type State struct {
	State         Kind                  `json:"state"`
	StateTime     string                `json:"state_time,omitempty"`
	BatchID       string                `json:"batch_id,omitempty"`
	StartTime     string                `json:"start_time,omitempty"`
	EndTime       string                `json:"end_time,omitempty"`
	SourceObjects []relation.FileRecord `json:"source_objects,omitempty"`
}

// Store reads and writes the state object. Writes are last-writer-wins with
// no optimistic-concurrency guard; the distributed lock is the only
// protection against concurrent runs of the same relation.
type Store struct {
	spec  relation.Spec
	store objectstore.Client
	log   *slog.Logger
	now   func() time.Time
}

// New creates a state store for the relation.
func New(spec relation.Spec, store objectstore.Client) *Store {
	return &Store{
		spec:  spec,
		store: store,
		log:   slog.With("component", "state", "relation", spec.Name),
		now:   time.Now,
	}
}

// Read returns the current state. A missing state object means no prior run
// and reads as Unknown.
func (s *Store) Read(ctx context.Context) (State, error) {
	data, err := s.store.Get(ctx, s.spec.StateBucketName(), s.spec.StateKey())
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return State{State: Unknown}, nil
		}
		return State{}, fmt.Errorf("read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse state object: %w", err)
	}
	s.log.Info("current state", "state", string(st.State), "batch_id", st.BatchID)
	return st, nil
}

// WriteSuccess records that the batch fully committed.
func (s *Store) WriteSuccess(ctx context.Context, batchID string, start, end time.Time) error {
	return s.write(ctx, State{
		State:     Success,
		StateTime: relation.SQLTimestamp(s.now()),
		BatchID:   batchID,
		StartTime: relation.SQLTimestamp(start),
		EndTime:   relation.SQLTimestamp(end),
	})
}

// WriteLoadInProgress records that a batch started loading the given source
// objects.
func (s *Store) WriteLoadInProgress(ctx context.Context, batchID string, start time.Time, sourceObjects []relation.FileRecord) error {
	return s.write(ctx, State{
		State:         LoadInProgress,
		StateTime:     relation.SQLTimestamp(s.now()),
		BatchID:       batchID,
		StartTime:     relation.SQLTimestamp(start),
		SourceObjects: sourceObjects,
	})
}

func (s *Store) write(ctx context.Context, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.store.Put(ctx, s.spec.StateBucketName(), s.spec.StateKey(), data); err != nil {
		return fmt.Errorf("write state %s: %w", st.State, err)
	}
	s.log.Info("state written", "state", string(st.State), "batch_id", st.BatchID)
	return nil
}
