package pool

import (
	"context"

	"github.com/mbd888/keymux/internal/keystore"
	"github.com/mbd888/keymux/internal/settings"
)

// Cursor tier names. Each (group, tier) pair rotates independently.
const (
	tierNormal   = "normal"
	tierFallback = "fallback"
)

// pick chooses among the Enabled candidates of a group. The normal tier
// is exhausted before any fallback key is considered; within a tier the
// configured strategy applies. A suspension check that fails aborts the
// selection so the transaction rolls back instead of guessing.
func (p *Pool) pick(ctx context.Context, group, strategy string, candidates []*keystore.Key) (*keystore.Key, error) {
	var normal, fallback []*keystore.Key
	for _, k := range candidates {
		if k.Fallback() {
			fallback = append(fallback, k)
		} else {
			normal = append(normal, k)
		}
	}

	tiers := []struct {
		name string
		keys []*keystore.Key
	}{
		{tierNormal, normal},
		{tierFallback, fallback},
	}
	for _, tier := range tiers {
		if len(tier.keys) == 0 {
			continue
		}
		var (
			k   *keystore.Key
			err error
		)
		if strategy == settings.StrategyRoundRobin {
			k, err = p.pickRoundRobin(ctx, group, tier.name, tier.keys)
		} else {
			k, err = p.pickSticky(ctx, group, tier.keys)
		}
		if err != nil {
			return nil, err
		}
		if k != nil {
			return k, nil
		}
	}
	return nil, ErrNoAvailableKey
}

// pickSticky keeps serving the group's active key while it stays
// healthy. When it turns suspended, the scan continues the rotation
// direction: first candidate with a higher id, then wrap to the lowest
// id excluding the key that just went down, then one final re-check of
// the previous key in case its suspension lapsed while we scanned.
// candidates arrive ordered by ascending id.
func (p *Pool) pickSticky(ctx context.Context, group string, candidates []*keystore.Key) (*keystore.Key, error) {
	active, err := p.cooldowns.ActiveKey(ctx, group)
	if err != nil {
		return nil, err
	}

	var prev *keystore.Key
	if active != "" {
		for _, k := range candidates {
			if k.Secret == active {
				prev = k
				break
			}
		}
	}

	if prev != nil {
		suspended, err := p.cooldowns.IsSuspended(ctx, prev.Secret)
		if err != nil {
			return nil, err
		}
		if !suspended {
			return prev, nil
		}
	}

	var prevID int64 = -1
	if prev != nil {
		prevID = prev.ID
	}
	for _, k := range candidates {
		if k.ID <= prevID {
			continue
		}
		suspended, err := p.cooldowns.IsSuspended(ctx, k.Secret)
		if err != nil {
			return nil, err
		}
		if !suspended {
			return k, nil
		}
	}

	for _, k := range candidates {
		if k.ID > prevID {
			break
		}
		if prev != nil && k.Secret == prev.Secret {
			continue
		}
		suspended, err := p.cooldowns.IsSuspended(ctx, k.Secret)
		if err != nil {
			return nil, err
		}
		if !suspended {
			return k, nil
		}
	}

	// The previous key may have recovered while the scans above ran;
	// the suspension checks self-heal lapsed entries.
	if prev != nil {
		suspended, err := p.cooldowns.IsSuspended(ctx, prev.Secret)
		if err != nil {
			return nil, err
		}
		if !suspended {
			return prev, nil
		}
	}
	return nil, nil
}

// pickRoundRobin rotates through the currently healthy candidates.
// Suspended keys leave the list entirely, so the modulus shrinks and
// grows with pool health. A cursor write failure costs fairness, not
// correctness, so it only logs.
func (p *Pool) pickRoundRobin(ctx context.Context, group, tier string, candidates []*keystore.Key) (*keystore.Key, error) {
	eligible := make([]*keystore.Key, 0, len(candidates))
	for _, k := range candidates {
		suspended, err := p.cooldowns.IsSuspended(ctx, k.Secret)
		if err != nil {
			return nil, err
		}
		if !suspended {
			eligible = append(eligible, k)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	slot, err := p.cooldowns.NextCursor(ctx, group, tier, len(eligible))
	if err != nil {
		p.logger.Warn("cursor advance failed",
			"group", group, "tier", tier, "error", err)
		slot = 0
	}
	return eligible[slot], nil
}
