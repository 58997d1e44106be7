// Package pool coordinates key selection, health transitions, and
// admission across processes sharing one coordination store and one
// persistent key store.
//
// The persistent store is authoritative; coordination-cache state
// (suspensions, markers, cursors, leases) accelerates decisions and is
// reconciled back to the durable record by the sweep methods. Group
// selection and per-key status changes are serialized by named
// distributed locks, never by in-process mutexes, because several
// processes may share the same pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/keymux/internal/admission"
	"github.com/mbd888/keymux/internal/cooldown"
	"github.com/mbd888/keymux/internal/keystore"
	"github.com/mbd888/keymux/internal/lock"
	"github.com/mbd888/keymux/internal/settings"
	"github.com/mbd888/keymux/internal/traces"
)

// ErrNoAvailableKey means every eligible key in both tiers is suspended.
// Callers should back off rather than retry immediately.
var ErrNoAvailableKey = errors.New("no available key")

var (
	selections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keymux",
		Subsystem: "pool",
		Name:      "selections_total",
		Help:      "Key selections by group, strategy, and outcome.",
	}, []string{"group", "strategy", "outcome"})

	healthTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keymux",
		Subsystem: "pool",
		Name:      "health_transitions_total",
		Help:      "Key health transitions by group, from-state, and to-state.",
	}, []string{"group", "from", "to"})

	orphansResumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keymux",
		Subsystem: "pool",
		Name:      "orphaned_cooldowns_resumed_total",
		Help:      "Persistent cooldowns resumed because the cache entry was missing.",
	})
)

func init() {
	prometheus.MustRegister(selections, healthTransitions, orphansResumed)
}

// Pool is the coordination engine.
type Pool struct {
	keys      keystore.Store
	cooldowns *cooldown.Manager
	admission *admission.Controller
	locker    *lock.Locker
	settings  *settings.Source
	logger    *slog.Logger

	onTransition   func(group, key string, from, to keystore.Status)
	onLeaseReclaim func(count int)
}

// New wires the engine together and registers the cooldown-expiry
// recovery path.
func New(keys keystore.Store, cd *cooldown.Manager, adm *admission.Controller, locker *lock.Locker, src *settings.Source, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		keys:      keys,
		cooldowns: cd,
		admission: adm,
		locker:    locker,
		settings:  src,
		logger:    logger,
	}
	cd.OnExpired(p.handleExpiry)
	return p
}

// OnHealthTransition sets a callback invoked when a key changes health
// state. The callback runs on its own goroutine so a slow subscriber
// cannot stall the engine.
func (p *Pool) OnHealthTransition(fn func(group, key string, from, to keystore.Status)) {
	p.onTransition = fn
}

// OnLeaseReclaim sets a callback invoked after a sweep reclaims expired
// leases, with the number taken back.
func (p *Pool) OnLeaseReclaim(fn func(count int)) {
	p.onLeaseReclaim = fn
}

func (p *Pool) emit(group, key string, from, to keystore.Status) {
	healthTransitions.WithLabelValues(group, string(from), string(to)).Inc()
	if fn := p.onTransition; fn != nil {
		go fn(group, key, from, to)
	}
}

// GetKey picks one healthy key from group under the group selection
// lock. The pick, the usage-counter bump, and the GetKey audit entry
// commit atomically; the sticky marker is written only after the
// commit.
func (p *Pool) GetKey(ctx context.Context, group string) (*keystore.Key, error) {
	strategy := p.settings.Strategy(ctx)

	ctx, span := traces.StartSpan(ctx, "pool.GetKey",
		traces.Group(group), traces.Strategy(strategy))
	defer span.End()

	var chosen *keystore.Key
	err := p.locker.WithLock(ctx, "getkey:"+group, lock.DefaultTTL, lock.DefaultRetries, func() error {
		k, err := p.keys.SelectKey(ctx, group, func(candidates []*keystore.Key) (*keystore.Key, error) {
			return p.pick(ctx, group, strategy, candidates)
		})
		if err != nil {
			return err
		}
		chosen = k

		// Losing the marker only costs continuity on the next call.
		if err := p.cooldowns.SetActiveKey(ctx, group, k.Secret); err != nil {
			p.logger.Warn("active-key marker write failed",
				"group", group, "key", keystore.Mask(k.Secret), "error", err)
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNoAvailableKey):
			selections.WithLabelValues(group, strategy, "exhausted").Inc()
		default:
			selections.WithLabelValues(group, strategy, "error").Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "selection failed")
		return nil, err
	}

	selections.WithLabelValues(group, strategy, "picked").Inc()
	span.SetAttributes(traces.Key(keystore.Mask(chosen.Secret)))
	p.logger.Debug("key selected",
		"group", group, "strategy", strategy, "key", keystore.Mask(chosen.Secret))
	return chosen, nil
}

// Admit takes one concurrency slot against key. maxConcurrent <= 0
// falls back to the configured default ceiling.
func (p *Pool) Admit(ctx context.Context, secret string, maxConcurrent int) (string, error) {
	ctx, span := traces.StartSpan(ctx, "pool.Admit",
		traces.Key(keystore.Mask(secret)))
	defer span.End()

	if _, err := p.keys.GetKey(ctx, secret); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown key")
		return "", err
	}
	if maxConcurrent <= 0 {
		maxConcurrent = p.settings.MaxConcurrent(ctx)
	}
	leaseID, err := p.admission.Acquire(ctx, secret, maxConcurrent, admission.DefaultLeaseTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission rejected")
		return "", err
	}
	span.SetAttributes(traces.LeaseID(leaseID))
	return leaseID, nil
}

// ReleaseLease gives a concurrency slot back. Unknown leases are a
// no-op so crashed-and-reaped callers can release safely.
func (p *Pool) ReleaseLease(ctx context.Context, secret, leaseID string) (bool, error) {
	return p.admission.Release(ctx, secret, leaseID)
}

// AddKey registers a new key, Enabled, in the given group. weight 0
// places it in the fallback tier.
func (p *Pool) AddKey(ctx context.Context, secret, name, group string, weight int) (*keystore.Key, error) {
	k := &keystore.Key{
		Secret: secret,
		Name:   name,
		Group:  group,
		Status: keystore.StatusEnabled,
		Weight: weight,
	}
	if err := p.keys.AddKey(ctx, k); err != nil {
		return nil, err
	}
	p.logger.Info("key added",
		"key", keystore.Mask(secret), "group", group, "weight", weight)
	return k, nil
}

// Key returns one key by id.
func (p *Pool) Key(ctx context.Context, id int64) (*keystore.Key, error) {
	return p.keys.GetKeyByID(ctx, id)
}

// List returns keys ordered by group then id; empty group means all.
func (p *Pool) List(ctx context.Context, group string) ([]*keystore.Key, error) {
	return p.keys.ListKeys(ctx, group)
}

// UpdateKey edits name, group, or weight. Moving a key out of a group
// drops that group's sticky marker if it pointed at the key.
func (p *Pool) UpdateKey(ctx context.Context, id int64, upd keystore.KeyUpdate) (*keystore.Key, error) {
	prev, err := p.keys.GetKeyByID(ctx, id)
	if err != nil {
		return nil, err
	}
	k, err := p.keys.UpdateKey(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	if k.Group != prev.Group {
		if err := p.cooldowns.ClearActiveKeyIf(ctx, prev.Group, k.Secret); err != nil {
			p.logger.Warn("marker cleanup failed", "group", prev.Group, "error", err)
		}
	}
	return k, nil
}

// DeleteKey removes a key and purges its coordination state. Leftover
// cache entries from a failed purge expire or get reaped on their own.
func (p *Pool) DeleteKey(ctx context.Context, id int64) error {
	k, err := p.keys.GetKeyByID(ctx, id)
	if err != nil {
		return err
	}
	if err := p.keys.DeleteKey(ctx, id); err != nil {
		return err
	}
	if err := p.cooldowns.PurgeKey(ctx, k.Group, k.Secret); err != nil {
		p.logger.Warn("cooldown purge failed", "key", keystore.Mask(k.Secret), "error", err)
	}
	if err := p.admission.PurgeKey(ctx, k.Secret); err != nil {
		p.logger.Warn("lease purge failed", "key", keystore.Mask(k.Secret), "error", err)
	}
	p.logger.Info("key deleted", "key", keystore.Mask(k.Secret), "group", k.Group)
	return nil
}

// Disable manually disables a key by id.
func (p *Pool) Disable(ctx context.Context, id int64, note string) error {
	k, err := p.keys.GetKeyByID(ctx, id)
	if err != nil {
		return err
	}
	return p.locker.WithLock(ctx, "setstatus:"+k.Secret, lock.DefaultTTL, lock.DefaultRetries, func() error {
		cur, err := p.keys.GetKey(ctx, k.Secret)
		if err != nil {
			return err
		}
		_, err = p.disableLocked(ctx, cur, 0, note)
		return err
	})
}

// Enable manually re-enables a key by id, clearing any cooldown cache
// entry it still holds.
func (p *Pool) Enable(ctx context.Context, id int64, note string) error {
	k, err := p.keys.GetKeyByID(ctx, id)
	if err != nil {
		return err
	}
	return p.resume(ctx, k.Secret, true, keystore.ActionEnableKey, note)
}

// Audit pages through the audit log.
func (p *Pool) Audit(ctx context.Context, q keystore.AuditQuery) ([]*keystore.AuditEntry, error) {
	return p.keys.QueryAudit(ctx, q)
}

// PruneAudit drops audit entries older than the retention horizon.
func (p *Pool) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	return p.keys.PruneAudit(ctx, before)
}

// handleExpiry is the cooldown-cache recovery hook: once a suspension
// lapses, the durable record must return to Enabled too.
func (p *Pool) handleExpiry(ctx context.Context, secret string) {
	err := p.resume(ctx, secret, false, keystore.ActionCooldownEnd, "cooldown expired")
	if err != nil && !errors.Is(err, keystore.ErrKeyNotFound) {
		p.logger.Error("cooldown recovery failed",
			"key", keystore.Mask(secret), "error", err)
	}
}

// resume moves a key back to Enabled under its status lock.
// clearCooldown distinguishes the manual path from the automatic ones:
// self-healing and the sweep already hold or deleted the cache entry,
// so they must not touch it again.
func (p *Pool) resume(ctx context.Context, secret string, clearCooldown bool, action, note string) error {
	return p.locker.WithLock(ctx, "setstatus:"+secret, lock.DefaultTTL, lock.DefaultRetries, func() error {
		k, err := p.keys.GetKey(ctx, secret)
		if err != nil {
			return err
		}
		if k.Status == keystore.StatusEnabled {
			return nil
		}
		// Disabled keys stay down until an operator enables them.
		if k.Status == keystore.StatusDisabled && action != keystore.ActionEnableKey {
			return nil
		}
		if err := p.keys.MarkEnabled(ctx, secret, action, note); err != nil {
			return err
		}
		if clearCooldown {
			if err := p.cooldowns.Resume(ctx, secret); err != nil {
				p.logger.Warn("cooldown cache clear failed, sweep will reconcile",
					"key", keystore.Mask(secret), "error", err)
			}
		}
		p.logger.Info("key enabled",
			"key", keystore.Mask(secret), "group", k.Group, "action", action)
		p.emit(k.Group, secret, k.Status, keystore.StatusEnabled)
		return nil
	})
}

// SweepCooldowns reconciles cache and durable record in both
// directions: lapsed cache entries recover through the expiry hook, and
// Cooldown-status rows with no cache entry (cache flushed, process
// died mid-write) resume immediately.
func (p *Pool) SweepCooldowns(ctx context.Context) error {
	if _, err := p.cooldowns.Sweep(ctx); err != nil {
		return fmt.Errorf("sweep cooldowns: %w", err)
	}

	cooling, err := p.keys.ListByStatus(ctx, keystore.StatusCooldown)
	if err != nil {
		return fmt.Errorf("sweep cooldowns: %w", err)
	}
	for _, k := range cooling {
		exists, err := p.cooldowns.Exists(ctx, k.Secret)
		if err != nil {
			return fmt.Errorf("sweep cooldowns: %w", err)
		}
		if exists {
			continue
		}
		if err := p.resume(ctx, k.Secret, false, keystore.ActionCooldownEnd, "orphaned cooldown resumed"); err != nil {
			if errors.Is(err, keystore.ErrKeyNotFound) {
				continue
			}
			return fmt.Errorf("sweep cooldowns: %w", err)
		}
		orphansResumed.Inc()
		p.logger.Warn("orphaned cooldown resumed", "key", keystore.Mask(k.Secret))
	}
	return nil
}

// SweepLeases reclaims expired concurrency leases.
func (p *Pool) SweepLeases(ctx context.Context) error {
	n, err := p.admission.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep leases: %w", err)
	}
	if n > 0 {
		p.logger.Info("expired leases reclaimed", "count", n)
		if fn := p.onLeaseReclaim; fn != nil {
			go fn(n)
		}
	}
	return nil
}
