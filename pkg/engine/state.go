package engine

import (
	"context"
	"fmt"
	"time"
)

// DefaultLeaseTTL bounds how long a crashed writer can hold a key. Long
// holders keep their lease alive with KeepLease.
const DefaultLeaseTTL = 2 * time.Minute

// leaseRetries is how many times a contended lease is retried before the
// conflict is surfaced.
const leaseRetries = 8

// UpdateFunc computes an update from freshly loaded state. Returning a nil
// update skips the save.
type UpdateFunc func(state *ItemState) (*ItemUpdate, error)

// UpdateItem loads the item under its lease, applies fn to the fresh state and
// saves the result. Lease conflicts are retried with backoff and a fresh reload.
// It returns the saved item, or nil when fn skipped the update.
func UpdateItem(ctx context.Context, store StateStore, id, owner string, fn UpdateFunc) (*WorkItem, error) {
	backoff := Backoff{Base: 20 * time.Millisecond, Max: time.Second}

	var lastErr error
	for attempt := 0; attempt < leaseRetries; attempt++ {
		item, err := updateOnce(ctx, store, id, owner, fn)
		if err == nil {
			return item, nil
		}
		if !IsStateConflict(err) {
			return nil, err
		}
		lastErr = err
		if err := backoff.Wait(ctx, attempt, err); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func updateOnce(ctx context.Context, store StateStore, id, owner string, fn UpdateFunc) (*WorkItem, error) {
	lease, err := store.AcquireLease(ctx, ItemKey(id), owner, DefaultLeaseTTL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.ReleaseLease(context.WithoutCancel(ctx), lease) }()

	state, err := store.LoadItem(ctx, id)
	if err != nil {
		return nil, err
	}
	update, err := fn(state)
	if err != nil || update == nil {
		return nil, err
	}
	return store.Save(ctx, lease, id, *update)
}

// WithLease runs fn while holding the lease for key, retrying contention the
// same way UpdateItem does.
func WithLease(ctx context.Context, store StateStore, key, owner string, fn func(lease *Lease) error) error {
	backoff := Backoff{Base: 20 * time.Millisecond, Max: time.Second}

	var lastErr error
	for attempt := 0; attempt < leaseRetries; attempt++ {
		lease, err := store.AcquireLease(ctx, key, owner, DefaultLeaseTTL)
		if err == nil {
			err = fn(lease)
			if relErr := store.ReleaseLease(context.WithoutCancel(ctx), lease); relErr != nil && err == nil {
				err = fmt.Errorf("failed to release lease %s: %w", key, relErr)
			}
			return err
		}
		if !IsStateConflict(err) {
			return err
		}
		lastErr = err
		if err := backoff.Wait(ctx, attempt, err); err != nil {
			return err
		}
	}
	return lastErr
}
