// Package cooldown tracks per-key suspensions and the selection state
// that lives beside them in the coordination store: the post-cooldown
// protection window, the per-group sticky marker, and the round-robin
// cursors.
//
// A suspension is an entry holding its own deadline. The physical TTL
// runs past the deadline so a reader that finds a lapsed entry performs
// the recovery itself: delete the entry, open the protection window,
// and tell the registered callback to re-enable the key in the
// persistent store. Recovery latency is therefore bounded by the next
// read of that key, not by a sweep interval; the sweep exists for keys
// nobody is reading.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/keymux/internal/coord"
	"github.com/mbd888/keymux/internal/syncutil"
)

const (
	cooldownPrefix   = "cooldown:"
	protectionPrefix = "protection:"
	activePrefix     = "active_key:"
	cursorPrefix     = "rr_cursor:"
)

const (
	// DefaultDuration is the suspension length when the settings source
	// has no override.
	DefaultDuration = 300 * time.Second

	// ProtectionWindow suppresses a fresh cooldown right after one ends,
	// so a straggler error response cannot re-suspend a key that just
	// recovered.
	ProtectionWindow = 5 * time.Second

	// suspendGrace keeps a lapsed entry physically alive so readers can
	// observe it and run recovery instead of the entry silently
	// vanishing at the deadline.
	suspendGrace = time.Minute

	// cursorTTL lets abandoned round-robin cursors self-clean.
	cursorTTL = time.Hour
)

// Suspension is one outstanding cooldown entry.
type Suspension struct {
	Key      string
	Deadline time.Time
}

// Expired reports whether the suspension's deadline has passed.
func (s Suspension) Expired(now time.Time) bool {
	return !now.Before(s.Deadline)
}

// Manager owns the cooldown, protection, sticky, and cursor entries.
type Manager struct {
	store     coord.Store
	heals     *syncutil.KeyedMutex
	onExpired func(ctx context.Context, key string)
}

// New creates a Manager on top of store.
func New(store coord.Store) *Manager {
	return &Manager{
		store: store,
		heals: syncutil.NewKeyedMutex(0),
	}
}

// OnExpired registers the callback invoked after a lapsed suspension is
// recovered, on the read path or by Sweep. It fires on a fresh
// goroutine with a cancel-free context. The callback re-enables the key
// in the persistent store; it must do its own error handling since a
// missed enable is corrected by the next sweep's orphan pass.
func (m *Manager) OnExpired(fn func(ctx context.Context, key string)) {
	m.onExpired = fn
}

// Suspend writes a cooldown entry for key lasting d. An existing entry
// is left alone so a second trigger cannot reset the timer.
func (m *Manager) Suspend(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		d = DefaultDuration
	}
	deadline := time.Now().Add(d)
	_, err := coord.SetNX(ctx, m.store, cooldownPrefix+key,
		strconv.FormatInt(deadline.UnixMilli(), 10), d+suspendGrace)
	if err != nil {
		return fmt.Errorf("suspend %s: %w", key, err)
	}
	return nil
}

// Resume clears key's suspension and opens the protection window.
func (m *Manager) Resume(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, cooldownPrefix+key); err != nil {
		return fmt.Errorf("resume %s: %w", key, err)
	}
	return m.startProtection(ctx, key)
}

// IsSuspended reports whether key is currently suspended. Finding a
// lapsed entry triggers recovery and reports false. Errors mean the
// store could not be consulted; callers must not treat that as healthy.
func (m *Manager) IsSuspended(ctx context.Context, key string) (bool, error) {
	v, err := m.store.Get(ctx, cooldownPrefix+key)
	if errors.Is(err, coord.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check suspension %s: %w", key, err)
	}

	deadline, err := parseDeadline(v)
	if err != nil {
		return false, fmt.Errorf("check suspension %s: %w", key, err)
	}
	if time.Now().Before(deadline) {
		return true, nil
	}

	if err := m.heal(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

// heal recovers one lapsed suspension. A per-key mutex keeps concurrent
// readers in this process from racing the recovery.
func (m *Manager) heal(ctx context.Context, key string) error {
	release, err := m.heals.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	// Another reader may have finished the recovery while we waited.
	v, err := m.store.Get(ctx, cooldownPrefix+key)
	if errors.Is(err, coord.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("heal %s: %w", key, err)
	}
	deadline, err := parseDeadline(v)
	if err == nil && time.Now().Before(deadline) {
		return nil
	}

	if err := m.store.Delete(ctx, cooldownPrefix+key); err != nil {
		return fmt.Errorf("heal %s: %w", key, err)
	}
	if err := m.startProtection(ctx, key); err != nil {
		return err
	}
	// The hook runs on its own goroutine: recovery may be triggered from
	// inside a selection transaction, and the hook writes to the same
	// records that transaction holds locked.
	if fn := m.onExpired; fn != nil {
		go fn(context.WithoutCancel(ctx), key)
	}
	return nil
}

// Exists reports whether any cooldown entry is present for key,
// regardless of its deadline. The reconciliation sweep uses this to
// spot orphaned persistent state.
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.store.Get(ctx, cooldownPrefix+key)
	if errors.Is(err, coord.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remaining returns how long key stays suspended, or zero.
func (m *Manager) Remaining(ctx context.Context, key string) (time.Duration, error) {
	v, err := m.store.Get(ctx, cooldownPrefix+key)
	if errors.Is(err, coord.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	deadline, err := parseDeadline(v)
	if err != nil {
		return 0, err
	}
	rest := time.Until(deadline)
	if rest < 0 {
		return 0, nil
	}
	return rest, nil
}

func (m *Manager) startProtection(ctx context.Context, key string) error {
	_, err := coord.SetNX(ctx, m.store, protectionPrefix+key, "1", ProtectionWindow)
	if err != nil {
		return fmt.Errorf("start protection %s: %w", key, err)
	}
	return nil
}

// IsInProtection reports whether key is inside its protection window.
func (m *Manager) IsInProtection(ctx context.Context, key string) (bool, error) {
	_, err := m.store.Get(ctx, protectionPrefix+key)
	if errors.Is(err, coord.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ActiveKey returns the sticky marker for group, or "" when unset.
func (m *Manager) ActiveKey(ctx context.Context, group string) (string, error) {
	v, err := m.store.Get(ctx, activePrefix+group)
	if errors.Is(err, coord.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// SetActiveKey pins the sticky marker for group to key.
func (m *Manager) SetActiveKey(ctx context.Context, group, key string) error {
	return m.store.Set(ctx, activePrefix+group, key, 0)
}

// ClearActiveKey removes group's sticky marker.
func (m *Manager) ClearActiveKey(ctx context.Context, group string) error {
	return m.store.Delete(ctx, activePrefix+group)
}

// ClearActiveKeyIf removes group's sticky marker only while it still
// names key, so a transition for one key cannot unpin a successor.
func (m *Manager) ClearActiveKeyIf(ctx context.Context, group, key string) error {
	_, err := coord.CompareDelete(ctx, m.store, activePrefix+group, key)
	return err
}

// NextCursor returns the current round-robin slot for (group, tier)
// against a candidate list of length modulo, then advances and
// re-arms the cursor. The read and advance are one atomic script.
func (m *Manager) NextCursor(ctx context.Context, group, tier string, modulo int) (int, error) {
	if modulo <= 0 {
		return 0, fmt.Errorf("next cursor %s/%s: empty candidate list", group, tier)
	}
	key := cursorPrefix + group + ":" + tier

	var slot int
	err := m.store.Update(ctx, func(tx coord.Txn) error {
		cur := 0
		v, err := tx.Get(key)
		if err == nil {
			cur, err = strconv.Atoi(v)
			if err != nil {
				cur = 0
			}
		} else if !errors.Is(err, coord.ErrNotFound) {
			return err
		}
		slot = cur % modulo
		return tx.Set(key, strconv.Itoa((slot+1)%modulo), cursorTTL)
	})
	if err != nil {
		return 0, fmt.Errorf("next cursor %s/%s: %w", group, tier, err)
	}
	return slot, nil
}

// Outstanding lists every cooldown entry currently in the store.
func (m *Manager) Outstanding(ctx context.Context) ([]Suspension, error) {
	var out []Suspension
	err := m.store.Scan(ctx, cooldownPrefix, func(k, v string) error {
		deadline, err := parseDeadline(v)
		if err != nil {
			// Unreadable entries are treated as already lapsed.
			deadline = time.Time{}
		}
		out = append(out, Suspension{Key: k[len(cooldownPrefix):], Deadline: deadline})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list suspensions: %w", err)
	}
	return out, nil
}

// Sweep recovers every lapsed suspension still present in the store and
// returns how many it healed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	outstanding, err := m.Outstanding(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	healed := 0
	for _, s := range outstanding {
		if !s.Expired(now) {
			continue
		}
		if err := m.heal(ctx, s.Key); err != nil {
			return healed, err
		}
		healed++
	}
	return healed, nil
}

// PurgeKey drops every coordination entry belonging to key. Used when a
// key is deleted from the pool.
func (m *Manager) PurgeKey(ctx context.Context, group, key string) error {
	if err := m.store.Delete(ctx, cooldownPrefix+key); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, protectionPrefix+key); err != nil {
		return err
	}
	if group == "" {
		return nil
	}
	return m.ClearActiveKeyIf(ctx, group, key)
}

func parseDeadline(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad deadline %q", v)
	}
	return time.UnixMilli(ms), nil
}
