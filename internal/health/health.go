// Package health aggregates named subsystem probes for readiness checks.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// checkTimeout bounds each probe so one stuck dependency cannot hang the
// readiness endpoint.
const checkTimeout = 2 * time.Second

// Status reports one subsystem's probe result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// A Probe reports whether its subsystem can serve. A nil error means
// healthy; the error text becomes the status detail.
type Probe func(ctx context.Context) error

// Registry holds named probes in registration order.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	probes map[string]Probe
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// Register adds probe under name. Re-registering a name replaces the
// probe but keeps its original position.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.probes[name]; !seen {
		r.order = append(r.order, name)
	}
	r.probes[name] = probe
}

// DB probes a SQL database with a ping.
func DB(db *sql.DB) Probe {
	return db.PingContext
}

// CheckAll runs every probe under a bounded timeout and returns the
// aggregate health plus per-subsystem results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	probes := make([]Probe, 0, len(names))
	for _, n := range names {
		probes = append(probes, r.probes[n])
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, len(names))
	for i, name := range names {
		statuses[i] = runProbe(ctx, name, probes[i])
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func runProbe(ctx context.Context, name string, probe Probe) Status {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := probe(ctx); err != nil {
		return Status{Name: name, Healthy: false, Detail: err.Error()}
	}
	return Status{Name: name, Healthy: true}
}
