package pool

import (
	"context"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/keymux/internal/keystore"
	"github.com/mbd888/keymux/internal/lock"
	"github.com/mbd888/keymux/internal/traces"
)

// Report is the result of one outcome report. Action is the audit
// action taken, empty when the report was a no-op.
type Report struct {
	StatusChanged bool            `json:"statusChanged"`
	Action        string          `json:"action,omitempty"`
	Status        keystore.Status `json:"status"`
}

// ReportOutcome classifies an upstream response code for a key and
// applies the health transition it calls for. Disable codes win over
// cooldown codes; anything else is recorded without a status change.
// Runs under the key's status lock so concurrent reports serialize.
func (p *Pool) ReportOutcome(ctx context.Context, secret string, code int, note string) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "pool.ReportOutcome",
		traces.Key(keystore.Mask(secret)), traces.StatusCode(code))
	defer span.End()

	disableCodes := p.settings.DisableCodes(ctx)
	cooldownCodes := p.settings.CooldownCodes(ctx)

	var rep *Report
	err := p.locker.WithLock(ctx, "setstatus:"+secret, lock.DefaultTTL, lock.DefaultRetries, func() error {
		k, err := p.keys.GetKey(ctx, secret)
		if err != nil {
			return err
		}

		if _, ok := disableCodes[code]; ok {
			rep, err = p.disableLocked(ctx, k, code, note)
			return err
		}
		if _, ok := cooldownCodes[code]; ok {
			rep, err = p.cooldownLocked(ctx, k, code, note)
			return err
		}

		if err := p.keys.LogOutcome(ctx, secret, code, note); err != nil {
			return err
		}
		rep = &Report{Action: keystore.ActionOutcome, Status: k.Status}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "outcome report failed")
		return nil, err
	}
	return rep, nil
}

// disableLocked moves k to Disabled. Already-disabled keys skip without
// a duplicate audit entry. Must run under the key's status lock.
func (p *Pool) disableLocked(ctx context.Context, k *keystore.Key, code int, note string) (*Report, error) {
	if k.Status == keystore.StatusDisabled {
		p.logger.Debug("disable skipped, already disabled", "key", keystore.Mask(k.Secret))
		return &Report{Status: k.Status}, nil
	}

	if err := p.keys.MarkDisabled(ctx, k.Secret, code, note); err != nil {
		return nil, err
	}
	// Drop any cache state; a disabled key must not read as suspended.
	if err := p.cooldowns.PurgeKey(ctx, k.Group, k.Secret); err != nil {
		p.logger.Warn("cooldown purge failed, sweep will reconcile",
			"key", keystore.Mask(k.Secret), "error", err)
	}

	p.logger.Warn("key disabled",
		"key", keystore.Mask(k.Secret), "group", k.Group, "code", code)
	p.emit(k.Group, k.Secret, k.Status, keystore.StatusDisabled)
	return &Report{StatusChanged: true, Action: keystore.ActionDisableKey, Status: keystore.StatusDisabled}, nil
}

// cooldownLocked suspends k for the configured duration. Reports while
// already cooling, while disabled, or inside the protection window are
// no-ops; the protection window keeps a burst of stale failures from
// re-suspending a key that just recovered.
func (p *Pool) cooldownLocked(ctx context.Context, k *keystore.Key, code int, note string) (*Report, error) {
	if k.Status != keystore.StatusEnabled {
		p.logger.Debug("cooldown skipped",
			"key", keystore.Mask(k.Secret), "status", string(k.Status))
		return &Report{Status: k.Status}, nil
	}

	protected, err := p.cooldowns.IsInProtection(ctx, k.Secret)
	if err != nil {
		return nil, err
	}
	if protected {
		p.logger.Info("cooldown suppressed by protection window",
			"key", keystore.Mask(k.Secret), "code", code)
		return &Report{Status: k.Status}, nil
	}

	duration := p.settings.CooldownDuration(ctx)
	if err := p.keys.MarkCooldown(ctx, k.Secret, code, note); err != nil {
		return nil, err
	}

	// Cache writes happen after the durable commit. If either fails the
	// sweep finds the orphan and resumes it.
	if err := p.cooldowns.Suspend(ctx, k.Secret, duration); err != nil {
		p.logger.Warn("suspension write failed, sweep will reconcile",
			"key", keystore.Mask(k.Secret), "error", err)
	}
	if err := p.cooldowns.ClearActiveKeyIf(ctx, k.Group, k.Secret); err != nil {
		p.logger.Warn("marker clear failed", "group", k.Group, "error", err)
	}

	p.logger.Warn("key cooling down",
		"key", keystore.Mask(k.Secret), "group", k.Group, "code", code, "duration", duration)
	p.emit(k.Group, k.Secret, k.Status, keystore.StatusCooldown)
	return &Report{StatusChanged: true, Action: keystore.ActionCooldownStart, Status: keystore.StatusCooldown}, nil
}
