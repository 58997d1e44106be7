package pool

import (
	"context"
	"time"

	"github.com/mbd888/keymux/internal/keystore"
)

// GroupStatus summarizes one routing group.
type GroupStatus struct {
	Group     string `json:"group"`
	Total     int    `json:"total"`
	Enabled   int    `json:"enabled"`
	Cooldown  int    `json:"cooldown"`
	Disabled  int    `json:"disabled"`
	ActiveKey string `json:"activeKey,omitempty"`
}

// SuspendedKey is one outstanding suspension.
type SuspendedKey struct {
	Key       string        `json:"key"`
	Remaining time.Duration `json:"remaining"`
}

// Overview is a point-in-time picture of the pool for operators.
type Overview struct {
	Groups    []GroupStatus  `json:"groups"`
	Suspended []SuspendedKey `json:"suspended,omitempty"`
	InFlight  int            `json:"inFlight"`
}

// Overview aggregates pool state across the persistent store and the
// coordination cache. Keys in the output carry their raw secrets;
// presentation layers mask them.
func (p *Pool) Overview(ctx context.Context) (*Overview, error) {
	keys, err := p.keys.ListKeys(ctx, "")
	if err != nil {
		return nil, err
	}

	var groups []GroupStatus
	index := make(map[string]int)
	for _, k := range keys {
		i, ok := index[k.Group]
		if !ok {
			i = len(groups)
			index[k.Group] = i
			groups = append(groups, GroupStatus{Group: k.Group})
		}
		groups[i].Total++
		switch k.Status {
		case keystore.StatusEnabled:
			groups[i].Enabled++
		case keystore.StatusCooldown:
			groups[i].Cooldown++
		case keystore.StatusDisabled:
			groups[i].Disabled++
		}
	}
	for i := range groups {
		active, err := p.cooldowns.ActiveKey(ctx, groups[i].Group)
		if err != nil {
			p.logger.Warn("marker read failed", "group", groups[i].Group, "error", err)
			continue
		}
		groups[i].ActiveKey = active
	}

	outstanding, err := p.cooldowns.Outstanding(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var suspended []SuspendedKey
	for _, s := range outstanding {
		rest := s.Deadline.Sub(now)
		if rest < 0 {
			rest = 0
		}
		suspended = append(suspended, SuspendedKey{Key: s.Key, Remaining: rest})
	}

	leases, err := p.admission.Outstanding(ctx)
	if err != nil {
		return nil, err
	}
	live := 0
	for _, l := range leases {
		if now.Before(l.Deadline) {
			live++
		}
	}

	return &Overview{Groups: groups, Suspended: suspended, InFlight: live}, nil
}
