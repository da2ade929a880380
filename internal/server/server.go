/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/crybkeys/internal/anomaly"
	"github.com/friendsincode/crybkeys/internal/api"
	"github.com/friendsincode/crybkeys/internal/audit"
	"github.com/friendsincode/crybkeys/internal/cache"
	"github.com/friendsincode/crybkeys/internal/config"
	"github.com/friendsincode/crybkeys/internal/db"
	"github.com/friendsincode/crybkeys/internal/eventbus"
	"github.com/friendsincode/crybkeys/internal/events"
	"github.com/friendsincode/crybkeys/internal/keycodec"
	"github.com/friendsincode/crybkeys/internal/leadership"
	"github.com/friendsincode/crybkeys/internal/lifecycle"
	"github.com/friendsincode/crybkeys/internal/ratelimit"
	"github.com/friendsincode/crybkeys/internal/store"
	"github.com/friendsincode/crybkeys/internal/telemetry"
	"github.com/friendsincode/crybkeys/internal/usage"
	"github.com/friendsincode/crybkeys/internal/validation"
)

const counterPrefix = "crybkeys:counters:"

// Server bundles HTTP and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	db          *gorm.DB
	redis       redis.UniversalClient
	bus         events.Broker
	nodeEvents  *events.Bus
	memCounters *store.MemoryCounterStore

	manager      *lifecycle.Manager
	sweeper      *lifecycle.Sweeper
	election     *leadership.Election
	recorder     *usage.Recorder
	orchestrator *validation.Orchestrator
	auditSvc     *audit.Service
	forwarder    *eventbus.Forwarder
	api          *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(30 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// security event streams are long lived
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.closeResources()
		return nil, err
	}

	srv.api.Routes(srv.router)
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// websocket streams manage their own deadlines
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.MetricsBind != "" {
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           telemetry.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return srv, nil
}

// securityHeadersMiddleware sets baseline headers. API responses may carry freshly issued
// secrets, so nothing under /api/ is cacheable.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "no-store")
		}

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	if err := db.Migrate(database); err != nil {
		return err
	}

	s.redis = ConnectRedis(s.cfg, s.logger)
	if s.redis != nil {
		client := s.redis
		s.DeferClose(client.Close)
	}

	nodeID := s.cfg.InstanceID
	if nodeID == "" {
		nodeID = eventbus.NodeID()
	}

	// Audit and NATS forwarding see only events raised on this node so each event is handled
	// once; the security stream sees the whole cluster when Redis is up.
	s.nodeEvents = events.NewBus()
	var publisher events.Publisher = s.nodeEvents
	s.bus = s.nodeEvents
	if s.redis != nil {
		rb := eventbus.NewRedisBus(s.redis, eventbus.DefaultRedisConfig(), nodeID, s.logger)
		s.DeferClose(rb.Close)
		s.bus = rb
		publisher = events.Fanout{s.nodeEvents, rb}
	}

	credentials := store.WithCredentialTimeout(store.NewGormCredentialStore(database), s.cfg.StoreTimeout)

	var counters store.CounterStore
	if s.redis != nil {
		counters = store.NewRedisCounterStore(s.redis, counterPrefix)
	} else {
		s.memCounters = store.NewMemoryCounterStore()
		counters = s.memCounters
		s.logger.Warn().Msg("using in-process counters: rate limits and anomaly scores are per instance")
	}
	counters = store.WithCounterTimeout(counters, s.cfg.StoreTimeout)

	var (
		keyCache    validation.KeyCache
		invalidator lifecycle.Invalidator
	)
	if s.redis != nil && s.cfg.CacheTTL > 0 {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RecordTTL = s.cfg.CacheTTL
		c := cache.New(s.redis, cacheCfg, s.logger)
		keyCache = c
		invalidator = c
	}

	codec := keycodec.New(s.cfg.TokenPrefix, s.cfg.SecretBytes)
	s.manager = lifecycle.NewManager(credentials, codec, invalidator, publisher, LifecyclePolicy(s.cfg.Policy), s.logger)

	detector := anomaly.NewDetector(counters, credentials, publisher, AnomalyConfig(s.cfg.Policy), s.logger)
	limiter := ratelimit.New(counters, LimiterConfig(s.cfg.Policy))

	s.recorder = usage.NewRecorder(database, credentials, usage.Config{
		QueueSize:     s.cfg.UsageQueueSize,
		FlushInterval: s.cfg.UsageFlushInterval,
	}, s.logger)

	s.orchestrator = validation.New(validation.Deps{
		Codec:   codec,
		Keys:    credentials,
		Cache:   keyCache,
		Limiter: limiter,
		Anomaly: detector,
		Usage:   s.recorder,
	}, validation.Config{Timeout: s.cfg.ValidationTimeout}, s.logger)

	var leader lifecycle.LeaderChecker
	if s.cfg.LeaderElectionEnabled {
		if s.redis == nil {
			s.logger.Warn().Msg("leader election requested without Redis, every instance will sweep")
		} else {
			electionCfg := leadership.DefaultConfig()
			electionCfg.InstanceID = nodeID
			s.election = leadership.NewElection(s.redis, electionCfg, s.logger)
			leader = s.election
		}
	}
	s.sweeper = lifecycle.NewSweeper(s.manager, s.cfg.SweepInterval, leader, s.logger)

	s.auditSvc = audit.NewService(database, s.nodeEvents, s.logger)

	if s.cfg.NATSURL != "" {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.Token = s.cfg.NATSToken
		natsCfg.Subject = s.cfg.NATSAlertSubject
		conn, err := eventbus.ConnectNATS(natsCfg, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("NATS unavailable, security alerts will not be forwarded")
		} else {
			s.DeferClose(func() error {
				conn.Close()
				return nil
			})
			s.forwarder = eventbus.NewForwarder(conn, s.nodeEvents, natsCfg.Subject, s.logger)
		}
	}

	s.api = api.New(api.Deps{
		Manager:   s.manager,
		Validator: s.orchestrator,
		Limiter:   limiter,
		Usage:     s.recorder,
		Keys:      credentials,
		Detector:  detector,
		Audit:     s.auditSvc,
		Bus:       s.bus,
		Ready:     s.ready,
	}, []byte(s.cfg.JWTSigningKey), s.cfg.FailOpen, s.logger)

	return nil
}

// ConnectRedis returns a client for the configured Redis, or nil when none is configured or
// it does not answer a ping.
func ConnectRedis(cfg *config.Config, logger zerolog.Logger) redis.UniversalClient {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, continuing without shared state")
		_ = client.Close()
		return nil
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	return client
}

// ready pings the database and, when configured, Redis.
func (s *Server) ready(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer exposes the Prometheus listener; nil when metrics are disabled.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Router returns the HTTP handler tree.
func (s *Server) Router() http.Handler {
	return s.router
}

// Close stops background work and releases owned resources in reverse order. Call it after
// the HTTP server has shut down so in-flight validations have finished.
func (s *Server) Close() error {
	if s.orchestrator != nil {
		s.orchestrator.Wait()
	}
	s.stopBackgroundWorkers()
	return s.closeResources()
}

func (s *Server) closeResources() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.goWorker(func() { s.auditSvc.Start(ctx) })
	s.goWorker(func() { s.recorder.Run(ctx) })

	if s.election != nil {
		s.election.Start(ctx)
	}
	s.goWorker(func() { s.sweeper.Run(ctx) })

	if s.forwarder != nil {
		s.goWorker(func() { s.forwarder.Run(ctx) })
	}

	if s.memCounters != nil {
		s.goWorker(func() { s.runCounterSweep(ctx) })
	}

	// Start database metrics updater
	s.goWorker(func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	})
}

func (s *Server) goWorker(fn func()) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		fn()
	}()
}

// runCounterSweep drops expired in-process counters.
func (s *Server) runCounterSweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.memCounters.Sweep(); n > 0 {
				s.logger.Debug().Int("removed", n).Msg("swept expired counters")
			}
		}
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	if s.election != nil {
		s.election.Stop()
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

// ListenAndServe runs the API and metrics listeners until one of them fails.
func (s *Server) ListenAndServe() error {
	errCh := make(chan error, 2)
	if s.metricsServer != nil {
		go func() {
			s.logger.Info().Str("addr", s.metricsServer.Addr).Msg("metrics listening")
			errCh <- s.metricsServer.ListenAndServe()
		}()
	}
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
