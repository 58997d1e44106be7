package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/keymux/internal/metrics"
	"github.com/mbd888/keymux/internal/reconciliation"
	"github.com/mbd888/keymux/internal/traces"
)

// drainDelay gives load balancers time to observe the failing readiness
// probe before the listener stops accepting.
const drainDelay = 5 * time.Second

// Run serves until ctx ends or a termination signal arrives, then
// drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background goroutines live past ctx so websockets and sweeps keep
	// working through the HTTP drain; Shutdown cancels them.
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel

	tracesDown, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracesDown = tracesDown

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", s.cfg.Port, err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	s.logger.Info("listening", "addr", ln.Addr().String(), "env", s.cfg.Env)

	go s.hub.Run(runCtx)

	// Reconciliation checks: cooldown sweep, lease reaper, and the gauge
	// refresher feeding /metrics.
	checks := reconciliation.Standard(s.pool, s.cfg.SweepInterval, s.cfg.ReaperInterval)
	checks = append(checks, reconciliation.Check{
		Name:  "gauge_refresh",
		Every: 15 * time.Second,
		Run:   s.refreshGauges,
	})
	s.reconciler = reconciliation.NewRunner(s.logger, checks...)
	s.reconciler.Start(runCtx)

	if s.db != nil {
		go metrics.CollectDBStats(runCtx, s.db, 15*time.Second)
	}

	if s.cfg.AuditRetentionDays > 0 {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc("0 3 * * *", s.pruneAudit); err != nil {
			s.logger.Error("failed to schedule audit pruning", "error", err)
		} else {
			s.cron.Start()
			s.logger.Info("audit pruning scheduled", "retention_days", s.cfg.AuditRetentionDays)
		}
	}

	// The listener is accepting, so the readiness probe can pass.
	s.ready.Store(true)
	s.logger.Info("server ready")

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	}
	return s.Shutdown()
}

// refreshGauges publishes pool-level gauges from a fresh overview.
func (s *Server) refreshGauges(ctx context.Context) error {
	ov, err := s.pool.Overview(ctx)
	if err != nil {
		return err
	}
	metrics.SuspendedKeys.Set(float64(len(ov.Suspended)))
	metrics.InFlightLeases.Set(float64(ov.InFlight))
	return nil
}

// pruneAudit drops audit entries past the retention horizon.
func (s *Server) pruneAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	before := time.Now().AddDate(0, 0, -s.cfg.AuditRetentionDays)
	n, err := s.pool.PruneAudit(ctx, before)
	if err != nil {
		s.logger.Error("audit pruning failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("audit entries pruned", "count", n, "before", before.Format(time.RFC3339))
	}
}

// Shutdown drains HTTP traffic, stops background work, and closes the
// stores. Sweeps may still touch the coordination store until the
// runner drains, so stores close last.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	time.Sleep(drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown error", "error", err)
		return err
	}

	// HTTP is drained. Stopping runCtx now closes the hub's websockets,
	// which Shutdown above left alone as hijacked connections.
	if s.cancelRun != nil {
		s.cancelRun()
	}
	if s.reconciler != nil {
		s.reconciler.Wait()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.tracesDown != nil {
		if err := s.tracesDown(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.coord.Close(); err != nil {
		s.logger.Error("coordination store close error", "error", err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}
