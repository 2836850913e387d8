// Package lock provides the distributed mutual-exclusion guard around a
// batch run. At most one execution per lock ID may be in flight; a held lock
// is a signal to abort, not to wait.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
)

// ErrLockHeld is returned by Acquire when another execution holds the lock.
// It is an expected concurrency outcome, not a run failure.
var ErrLockHeld = errors.New("lock already held")

// Record is the existence-guarded lock entry. At most one record exists per
// lock ID; ownership is proven by the per-attempt owner token.
type Record struct {
	LockID  string `docstore:"lock_id"`
	OwnerID string `docstore:"owner_id"`
}

// Store is the thin key-value contract the lock runs on.
type Store interface {
	// PutIfAbsent creates the lock record, failing with ErrLockHeld if a
	// record for lockID already exists.
	PutIfAbsent(ctx context.Context, lockID, ownerID string) error

	// DeleteIfOwner removes the lock record when the owner matches. A
	// missing record or a different owner is a no-op.
	DeleteIfOwner(ctx context.Context, lockID, ownerID string) error
}

// NewOwnerID generates a unique owner token for one acquisition attempt.
func NewOwnerID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock guards one lock ID in a Store.
type Lock struct {
	store  Store
	lockID string
	log    *slog.Logger
}

// New creates a lock for the given ID.
func New(store Store, lockID string) *Lock {
	return &Lock{
		store:  store,
		lockID: lockID,
		log:    slog.With("component", "lock", "lock_id", lockID),
	}
}

// Acquire performs the conditional create. A held lock fails immediately
// with ErrLockHeld; there is no retry.
func (l *Lock) Acquire(ctx context.Context, ownerID string) error {
	l.log.Info("acquiring lock", "owner_id", ownerID)
	if err := l.store.PutIfAbsent(ctx, l.lockID, ownerID); err != nil {
		if errors.Is(err, ErrLockHeld) {
			l.log.Info("lock held by another execution")
			return fmt.Errorf("lock %s: %w", l.lockID, err)
		}
		return fmt.Errorf("acquire lock %s: %w", l.lockID, err)
	}
	l.log.Info("lock acquired", "owner_id", ownerID)
	return nil
}

// Release performs the owner-conditional delete. Releasing a lock that is
// gone or owned by someone else is a no-op.
func (l *Lock) Release(ctx context.Context, ownerID string) error {
	l.log.Info("releasing lock", "owner_id", ownerID)
	if err := l.store.DeleteIfOwner(ctx, l.lockID, ownerID); err != nil {
		return fmt.Errorf("release lock %s: %w", l.lockID, err)
	}
	l.log.Info("lock released", "owner_id", ownerID)
	return nil
}
