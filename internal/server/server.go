// Package server assembles the HTTP surface of the coordination engine:
// route registration, middleware, and process lifecycle.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // postgres driver
	"github.com/robfig/cron/v3"

	"github.com/mbd888/keymux/internal/admission"
	"github.com/mbd888/keymux/internal/config"
	"github.com/mbd888/keymux/internal/cooldown"
	"github.com/mbd888/keymux/internal/coord"
	"github.com/mbd888/keymux/internal/health"
	"github.com/mbd888/keymux/internal/keystore"
	"github.com/mbd888/keymux/internal/lock"
	"github.com/mbd888/keymux/internal/logging"
	"github.com/mbd888/keymux/internal/pool"
	"github.com/mbd888/keymux/internal/ratelimit"
	"github.com/mbd888/keymux/internal/realtime"
	"github.com/mbd888/keymux/internal/reconciliation"
	"github.com/mbd888/keymux/internal/retry"
	"github.com/mbd888/keymux/internal/settings"
)

// Server owns every subsystem of a running engine instance.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	// Storage. db is nil when running on in-memory stores.
	db            *sql.DB
	coord         coord.Store
	keys          keystore.Store
	settingsStore settings.Store

	// Engine.
	pool     *pool.Pool
	settings *settings.Source

	// HTTP surface.
	router      *gin.Engine
	httpSrv     *http.Server
	hub         *realtime.Hub
	rateLimiter *ratelimit.Limiter

	// Background work.
	reconciler *reconciliation.Runner
	cron       *cron.Cron
	cancelRun  context.CancelFunc
	tracesDown func(context.Context) error

	// Probes.
	checks  *health.Registry
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger overrides the logger built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New assembles a server from cfg. It connects storage, wires the
// coordination engine, and registers routes; Run starts serving.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, cfg.Env),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.connectStores(context.Background()); err != nil {
		return nil, err
	}

	s.settings = settings.NewSource(s.settingsStore, 0, cfg.SettingsDefaults(), s.logger)
	s.pool = pool.New(s.keys,
		cooldown.New(s.coord),
		admission.New(s.coord),
		lock.New(s.coord),
		s.settings, s.logger)

	// Transitions go out over the hub with masked keys only.
	s.hub = realtime.NewHub(s.logger)
	s.pool.OnHealthTransition(func(group, key string, from, to keystore.Status) {
		s.hub.BroadcastKeyStatus(keystore.Mask(key), group, string(from), string(to))
	})
	s.pool.OnLeaseReclaim(s.hub.BroadcastLeaseReclaimed)

	if cfg.AdminToken == "" {
		s.logger.Warn("no admin token configured, API is open")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// connectStores picks the persistent and coordination backends from
// config: Postgres and Badger when configured, in-memory fallbacks for
// single-node development.
func (s *Server) connectStores(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := s.openDatabase(ctx)
		if err != nil {
			return err
		}
		s.db = db
		s.keys = keystore.NewPostgres(db)
		s.settingsStore = settings.NewPostgres(db)
		s.checks.Register("database", health.DB(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.keys = keystore.NewMemory()
		s.settingsStore = settings.NewMemory()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.cfg.CoordPath != "" {
		store, err := coord.OpenBadger(s.cfg.CoordPath, s.logger)
		if err != nil {
			return fmt.Errorf("open coordination store: %w", err)
		}
		s.coord = store
		s.logger.Info("using badger coordination store", "path", s.cfg.CoordPath)
	} else {
		s.coord = coord.NewMemory()
		s.logger.Info("using in-memory coordination store")
	}
	s.checks.Register("coordination", s.coordChecker())
	return nil
}

func (s *Server) openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// The database is often still coming up when the process starts.
	err = retry.Do(ctx,
		retry.Backoff{Attempts: 5, Base: 500 * time.Millisecond, Cap: 5 * time.Second},
		func(ctx context.Context) error { return db.PingContext(ctx) })
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// coordChecker probes the coordination store with a read. A missing
// probe key is fine; only transport errors count as unhealthy.
func (s *Server) coordChecker() health.Probe {
	return func(ctx context.Context) error {
		_, err := s.coord.Get(ctx, "health:probe")
		if err != nil && !errors.Is(err, coord.ErrNotFound) {
			return err
		}
		return nil
	}
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
