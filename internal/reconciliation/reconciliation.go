// Package reconciliation drives the periodic self-healing sweeps that keep
// cached coordination state and durable key records consistent.
package reconciliation

import (
	"context"
	"time"
)

// Pool is the subset of pool operations the standard checks drive.
type Pool interface {
	SweepCooldowns(ctx context.Context) error
	SweepLeases(ctx context.Context) error
}

// Standard returns the standard checks for a pool: the cooldown sweep,
// which resumes keys whose suspension has lapsed or whose cache entry
// was lost, and the lease reaper, which reclaims concurrency slots from
// callers that never released.
func Standard(p Pool, sweepEvery, reapEvery time.Duration) []Check {
	return []Check{
		{Name: "cooldown_sweep", Every: sweepEvery, Run: p.SweepCooldowns},
		{Name: "lease_reaper", Every: reapEvery, Run: p.SweepLeases},
	}
}
