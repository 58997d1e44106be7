// Package lock provides TTL-bounded distributed mutual exclusion on top
// of the coordination store.
//
// A lock is a coordination-store entry holding a caller-unique token.
// Acquisition is a single atomic set-if-absent; release deletes the entry
// only while the token still matches, so a holder whose TTL lapsed cannot
// release a lock someone else has since acquired. Locks are best-effort
// mutual exclusion, not consensus: when the coordination store is
// unreachable, locked operations fail instead of proceeding unprotected.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/keymux/internal/coord"
	"github.com/mbd888/keymux/internal/idgen"
)

const keyPrefix = "lock:"

// Defaults used by WithLock callers that have no reason to deviate.
const (
	DefaultTTL        = 5 * time.Second
	DefaultRetries    = 3
	DefaultRetryDelay = 100 * time.Millisecond
)

// ErrUnavailable means the lock stayed contended through every retry.
// Callers should treat it as transient.
var ErrUnavailable = errors.New("lock unavailable")

var lockAcquires = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keymux",
	Subsystem: "lock",
	Name:      "acquires_total",
	Help:      "Lock acquisition attempts by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(lockAcquires)
}

// Locker hands out named locks backed by a shared coordination store.
type Locker struct {
	store coord.Store
}

// New creates a Locker on top of store.
func New(store coord.Store) *Locker {
	return &Locker{store: store}
}

// Acquire takes the named lock and returns the holder token. retries is
// the number of additional attempts after the first, spaced delay apart.
// Contention past the last attempt returns ErrUnavailable; a store
// failure is returned as-is so callers fail closed.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration, retries int, delay time.Duration) (string, error) {
	token := idgen.New()

	for attempt := 0; ; attempt++ {
		ok, err := coord.SetNX(ctx, l.store, keyPrefix+name, token, ttl)
		if err != nil {
			lockAcquires.WithLabelValues("error").Inc()
			return "", fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			lockAcquires.WithLabelValues("acquired").Inc()
			return token, nil
		}
		if attempt >= retries {
			lockAcquires.WithLabelValues("contended").Inc()
			return "", fmt.Errorf("acquire lock %s: %w", name, ErrUnavailable)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Release gives up the named lock if token still holds it. It reports
// whether the entry was removed; false means the TTL already lapsed and
// the lock may belong to someone else.
func (l *Locker) Release(ctx context.Context, name, token string) (bool, error) {
	deleted, err := coord.CompareDelete(ctx, l.store, keyPrefix+name, token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", name, err)
	}
	return deleted, nil
}

// WithLock runs fn while holding the named lock and releases it on every
// exit path. It is the only entry point the higher layers use.
func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, retries int, fn func() error) error {
	token, err := l.Acquire(ctx, name, ttl, retries, DefaultRetryDelay)
	if err != nil {
		return err
	}
	defer func() {
		// Best effort: an expired entry already released itself.
		_, _ = l.Release(context.WithoutCancel(ctx), name, token)
	}()

	return fn()
}
