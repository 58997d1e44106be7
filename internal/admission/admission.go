// Package admission enforces a per-key ceiling on in-flight requests.
//
// Each admitted request holds a lease recorded in the coordination store
// alongside a per-key counter. Admission is one atomic script (read
// counter, reject at the ceiling, otherwise increment and write the
// lease); release is a second (delete the lease, decrement only if it
// was still there). Leases carry a logical deadline so a reaper can
// reclaim slots from callers that crashed without releasing, and the
// counter carries its own expiry as the backstop for a fully dead
// deployment.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/keymux/internal/coord"
)

const (
	counterPrefix = "inflight:"
	leasePrefix   = "lease:"
)

// DefaultLeaseTimeout bounds how long a slot can stay held without a
// release before the reaper takes it back.
const DefaultLeaseTimeout = 60 * time.Second

// leaseGrace keeps a lapsed lease entry physically readable long enough
// for the reaper to observe it and decrement the counter. Entries that
// outlive the grace vanish on their own; the counter expiry covers that
// case.
const leaseGrace = time.Minute

// ErrTooManyRequests means the key is at its concurrency ceiling.
// Distinct from pool exhaustion: the key exists and is healthy, it is
// just busy.
var ErrTooManyRequests = errors.New("too many in-flight requests")

var (
	admissionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keymux",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Admission decisions by outcome.",
	}, []string{"outcome"})

	leasesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keymux",
		Subsystem: "admission",
		Name:      "leases_reclaimed_total",
		Help:      "Expired leases reclaimed by the reaper.",
	})
)

func init() {
	prometheus.MustRegister(admissionDecisions, leasesReclaimed)
}

// Controller tracks in-flight request counts per key.
type Controller struct {
	store coord.Store
}

// New creates a Controller on top of store.
func New(store coord.Store) *Controller {
	return &Controller{store: store}
}

// Acquire admits one request against key and returns its lease ID.
// maxConcurrent <= 0 disables the ceiling but still records the lease so
// in-flight counts stay observable. At the ceiling it returns
// ErrTooManyRequests; any other error means the store could not be
// consulted and the caller must not proceed.
func (c *Controller) Acquire(ctx context.Context, key string, maxConcurrent int, leaseTimeout time.Duration) (string, error) {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	leaseID := uuid.New().String()
	deadline := time.Now().Add(leaseTimeout)

	err := c.store.Update(ctx, func(tx coord.Txn) error {
		count, err := readCount(tx, counterPrefix+key)
		if err != nil {
			return err
		}
		if maxConcurrent > 0 && count >= maxConcurrent {
			return ErrTooManyRequests
		}
		if err := tx.Set(counterPrefix+key, strconv.Itoa(count+1), leaseTimeout); err != nil {
			return err
		}
		return tx.Set(leaseKey(key, leaseID), strconv.FormatInt(deadline.UnixMilli(), 10), leaseTimeout+leaseGrace)
	})
	if errors.Is(err, ErrTooManyRequests) {
		admissionDecisions.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("admit %s: %w", key, err)
	}
	if err != nil {
		admissionDecisions.WithLabelValues("error").Inc()
		return "", fmt.Errorf("admit %s: %w", key, err)
	}
	admissionDecisions.WithLabelValues("admitted").Inc()
	return leaseID, nil
}

// Release gives back the slot held by leaseID. It reports whether the
// lease was still present; a second release of the same lease is a
// no-op, so the counter never double-decrements.
func (c *Controller) Release(ctx context.Context, key, leaseID string) (bool, error) {
	existed := false
	err := c.store.Update(ctx, func(tx coord.Txn) error {
		existed = false
		if _, err := tx.Get(leaseKey(key, leaseID)); err != nil {
			if errors.Is(err, coord.ErrNotFound) {
				return nil
			}
			return err
		}
		existed = true
		if err := tx.Delete(leaseKey(key, leaseID)); err != nil {
			return err
		}
		return decrement(tx, counterPrefix+key)
	})
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return existed, nil
}

// InFlight returns the current admitted count for key.
func (c *Controller) InFlight(ctx context.Context, key string) (int, error) {
	v, err := c.store.Get(ctx, counterPrefix+key)
	if errors.Is(err, coord.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("in-flight %s: %w", key, err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("in-flight %s: bad counter %q", key, v)
	}
	return n, nil
}

// Sweep reclaims leases whose logical deadline has passed and returns
// how many it took back. Run on a short interval as the backstop for
// callers that crashed mid-request.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	type expired struct{ key, id string }
	var stale []expired

	now := time.Now()
	err := c.store.Scan(ctx, leasePrefix, func(k, v string) error {
		key, id, ok := splitLeaseKey(k)
		if !ok {
			return nil
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || now.Before(time.UnixMilli(ms)) {
			return nil
		}
		stale = append(stale, expired{key: key, id: id})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep leases: %w", err)
	}

	reclaimed := 0
	for _, s := range stale {
		ok, err := c.Release(ctx, s.key, s.id)
		if err != nil {
			return reclaimed, err
		}
		if ok {
			reclaimed++
			leasesReclaimed.Inc()
		}
	}
	return reclaimed, nil
}

// PurgeKey drops the counter and every lease for key. Used when the key
// itself is deleted from the pool.
func (c *Controller) PurgeKey(ctx context.Context, key string) error {
	var ids []string
	err := c.store.Scan(ctx, leasePrefix+key+":", func(k, _ string) error {
		owner, id, ok := splitLeaseKey(k)
		if ok && owner == key {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("purge %s: %w", key, err)
	}
	for _, id := range ids {
		if err := c.store.Delete(ctx, leaseKey(key, id)); err != nil {
			return fmt.Errorf("purge %s: %w", key, err)
		}
	}
	if err := c.store.Delete(ctx, counterPrefix+key); err != nil {
		return fmt.Errorf("purge %s: %w", key, err)
	}
	return nil
}

func leaseKey(key, id string) string {
	return leasePrefix + key + ":" + id
}

// splitLeaseKey undoes leaseKey. Lease IDs never contain a colon, so
// splitting on the last one is safe even when the key itself has them.
func splitLeaseKey(k string) (key, id string, ok bool) {
	rest, found := strings.CutPrefix(k, leasePrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func readCount(tx coord.Txn, key string) (int, error) {
	v, err := tx.Get(key)
	if errors.Is(err, coord.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("bad counter %q", v)
	}
	return n, nil
}

func decrement(tx coord.Txn, key string) error {
	count, err := readCount(tx, key)
	if err != nil {
		return err
	}
	if count <= 1 {
		return tx.Delete(key)
	}
	return tx.Set(key, strconv.Itoa(count-1), DefaultLeaseTimeout)
}

// Lease pairs a key with one outstanding lease, for status reporting.
type Lease struct {
	Key      string
	ID       string
	Deadline time.Time
}

// Outstanding lists every live lease in the store.
func (c *Controller) Outstanding(ctx context.Context) ([]Lease, error) {
	var out []Lease
	err := c.store.Scan(ctx, leasePrefix, func(k, v string) error {
		key, id, ok := splitLeaseKey(k)
		if !ok {
			return nil
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil
		}
		out = append(out, Lease{Key: key, ID: id, Deadline: time.UnixMilli(ms)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return out, nil
}
