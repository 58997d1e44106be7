// Package coord defines the expiring key/value store the pool uses for
// distributed coordination: locks, cooldown markers, selection cursors,
// and concurrency counters.
//
// The persistent key store remains the source of truth; everything held
// here is reconstructible from it. Implementations must make Update
// atomic with respect to every other Update, Get, and Set so callers can
// build read-modify-write scripts (lock acquisition, admission counters)
// without their own synchronization.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("coord: key not found")

// Txn is the view handed to an Update script. Reads observe writes made
// earlier in the same script.
type Txn interface {
	// Get returns the live value for key, or ErrNotFound.
	Get(key string) (string, error)
	// Set writes key=value. A zero ttl means the entry never expires.
	Set(key, value string, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
}

// Store is an expiring key/value store shared by every process in the
// pool. Entries past their TTL behave as absent on all read paths.
type Store interface {
	// Get returns the live value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes key=value. A zero ttl means the entry never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Scan calls fn for every live entry whose key starts with prefix.
	// Returning an error from fn stops the scan and propagates it.
	Scan(ctx context.Context, prefix string, fn func(key, value string) error) error
	// Update runs fn atomically. If fn returns an error the script's
	// writes are discarded and the error is returned unchanged. fn may
	// run more than once when the store retries a serialization
	// conflict, so state captured outside the script must be reset on
	// entry.
	Update(ctx context.Context, fn func(tx Txn) error) error
	// Close releases the store's resources.
	Close() error
}

// SetNX writes key=value with ttl only if key is currently absent.
// It reports whether the write happened.
func SetNX(ctx context.Context, s Store, key, value string, ttl time.Duration) (bool, error) {
	var set bool
	err := s.Update(ctx, func(tx Txn) error {
		// A conflict replay must not inherit an earlier pass's result.
		set = false
		_, err := tx.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		set = true
		return tx.Set(key, value, ttl)
	})
	if err != nil {
		return false, err
	}
	return set, nil
}

// CompareDelete removes key only if its current value equals expect.
// It reports whether the entry was removed.
func CompareDelete(ctx context.Context, s Store, key, expect string) (bool, error) {
	var deleted bool
	err := s.Update(ctx, func(tx Txn) error {
		deleted = false
		v, err := tx.Get(key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if v != expect {
			return nil
		}
		deleted = true
		return tx.Delete(key)
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}
