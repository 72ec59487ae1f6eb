package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelrelay/modelrelay/internal/apikey"
	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/httpapi"
	"github.com/modelrelay/modelrelay/internal/logging"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/proxy"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/scheduler"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/tokenizer"
	"github.com/modelrelay/modelrelay/internal/tracing"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// ErrStoreUnavailable marks startup failures caused by the database so the
// entrypoint can exit with a distinct status.
var ErrStoreUnavailable = errors.New("store unavailable")

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg Config

	r *chi.Mux

	store  store.Store
	proxy  *proxy.Service
	logger *slog.Logger

	cleanerCancel context.CancelFunc
	temporal      *scheduler.Manager
	limiter       *ratelimit.Limiter
	events        *events.Bus
	traceShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "modelrelay",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	db, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrStoreUnavailable, err)
	}
	logger.Info("database initialized", slog.String("path", cfg.DBPath))

	forwarder := upstream.NewClientWithTransport(
		cfg.HTTPTimeout(),
		tracing.HTTPTransport(http.DefaultTransport),
	)

	m := metrics.New()

	svc := proxy.NewService(db, forwarder, tokenizer.New(), m, logger, proxy.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		RetryDelay:  cfg.RetryDelay(),
	})

	bus := events.NewBus()
	svc.SetEventBus(bus)

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))

	s := &Server{
		cfg:           cfg,
		r:             r,
		store:         db,
		proxy:         svc,
		logger:        logger,
		limiter:       limiter,
		events:        bus,
		traceShutdown: traceShutdown,
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Proxy:       svc,
		Store:       db,
		Metrics:     m,
		APIKeyMgr:   apikey.NewManager(db),
		AdminToken:  cfg.AdminToken,
		Events:      bus,
		RateLimiter: limiter,
	})

	if err := s.startRetention(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// startRetention launches the nightly log sweep, either as a Temporal cron
// workflow or an in-process ticker.
func (s *Server) startRetention() error {
	if s.cfg.TemporalEnabled {
		mgr, err := scheduler.NewManager(scheduler.TemporalConfig{
			HostPort:  s.cfg.TemporalHostPort,
			Namespace: s.cfg.TemporalNamespace,
			TaskQueue: s.cfg.TemporalTaskQueue,
		}, scheduler.NewActivities(s.store))
		if err != nil {
			return fmt.Errorf("temporal setup: %w", err)
		}
		if err := mgr.Start(context.Background(), s.cfg.LogRetentionDays, s.cfg.LogCleanupHour); err != nil {
			mgr.Stop()
			return fmt.Errorf("temporal start: %w", err)
		}
		s.temporal = mgr
		s.logger.Info("log retention scheduled via temporal",
			slog.Int("retention_days", s.cfg.LogRetentionDays),
			slog.Int("cleanup_hour", s.cfg.LogCleanupHour))
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cleanerCancel = cancel
	cleaner := scheduler.NewCleaner(s.store, scheduler.Config{
		RetentionDays: s.cfg.LogRetentionDays,
		CleanupHour:   s.cfg.LogCleanupHour,
	}, s.logger)
	cleaner.SetEventBus(s.events)
	go cleaner.Run(ctx)
	s.logger.Info("log retention scheduled in-process",
		slog.Int("retention_days", s.cfg.LogRetentionDays),
		slog.Int("cleanup_hour", s.cfg.LogCleanupHour))
	return nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload applies the settings that can change without a restart. Today
// that is only the log level.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	s.logger.Info("configuration reloaded", slog.String("log_level", cfg.LogLevel))
}

func (s *Server) Close() error {
	if s.cleanerCancel != nil {
		s.cleanerCancel()
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.traceShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
