package lock

import (
	"context"
	"fmt"

	"gocloud.dev/docstore"
	_ "gocloud.dev/docstore/awsdynamodb" // DynamoDB driver
	_ "gocloud.dev/docstore/memdocstore" // in-memory driver
	"gocloud.dev/gcerrors"
)

// DocstoreStore implements Store over a docstore collection keyed by
// lock_id. With the DynamoDB driver, Create maps to a conditional put that
// fails when the item exists — the same existence guard the lock depends on.
type DocstoreStore struct {
	coll *docstore.Collection
}

// OpenStore opens the lock collection from a docstore URL, e.g.
// "dynamodb://locks?partition_key=lock_id" or
// "mem://locks/lock_id".
func OpenStore(ctx context.Context, url string) (*DocstoreStore, error) {
	coll, err := docstore.OpenCollection(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open lock collection %s: %w", url, err)
	}
	return &DocstoreStore{coll: coll}, nil
}

// NewDocstoreStore wraps an already-open collection.
func NewDocstoreStore(coll *docstore.Collection) *DocstoreStore {
	return &DocstoreStore{coll: coll}
}

// PutIfAbsent creates the lock record, translating the store's
// already-exists condition into ErrLockHeld.
func (s *DocstoreStore) PutIfAbsent(ctx context.Context, lockID, ownerID string) error {
	err := s.coll.Create(ctx, &Record{LockID: lockID, OwnerID: ownerID})
	if err != nil {
		if gcerrors.Code(err) == gcerrors.AlreadyExists {
			return ErrLockHeld
		}
		return fmt.Errorf("create lock record: %w", err)
	}
	return nil
}

// DeleteIfOwner deletes the record only when the stored owner matches.
func (s *DocstoreStore) DeleteIfOwner(ctx context.Context, lockID, ownerID string) error {
	rec := Record{LockID: lockID}
	if err := s.coll.Get(ctx, &rec); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return fmt.Errorf("read lock record: %w", err)
	}
	if rec.OwnerID != ownerID {
		return nil
	}
	if err := s.coll.Delete(ctx, &rec); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return fmt.Errorf("delete lock record: %w", err)
	}
	return nil
}

// Close releases the collection.
func (s *DocstoreStore) Close() error {
	return s.coll.Close()
}
