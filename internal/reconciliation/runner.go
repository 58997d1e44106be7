package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Check is a named reconciliation pass with its own cadence.
type Check struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Runner drives a set of checks, each on its own goroutine, until the
// Start context ends.
type Runner struct {
	checks []Check
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRunner builds a runner over checks.
func NewRunner(logger *slog.Logger, checks ...Check) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{checks: checks, logger: logger}
}

// Start launches one loop per check and returns. Each check runs once
// right away so a fresh deployment converges without waiting out the
// first interval.
func (r *Runner) Start(ctx context.Context) {
	for _, c := range r.checks {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx, c)
		}()
	}
	r.logger.Info("reconciliation checks started", "count", len(r.checks))
}

// Wait blocks until every check loop has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, c Check) {
	ticker := time.NewTicker(c.Every)
	defer ticker.Stop()

	r.runOnce(ctx, c)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, c)
		}
	}
}

// runOnce executes the check with panic isolation so one bad pass never
// takes its loop down.
func (r *Runner) runOnce(ctx context.Context, c Check) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("reconciliation check panicked",
				"check", c.Name, "panic", fmt.Sprint(v))
		}
	}()

	stop := prometheus.NewTimer(runDuration.WithLabelValues(c.Name))
	defer stop.ObserveDuration()

	runsTotal.WithLabelValues(c.Name).Inc()
	if err := c.Run(ctx); err != nil {
		runErrors.WithLabelValues(c.Name).Inc()
		r.logger.Warn("reconciliation check failed", "check", c.Name, "error", err)
	}
}
