// Package server assembles the tradehold HTTP API: stores, services, middleware,
// routes and the background loops that feed observers.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/complaints"
	"github.com/mbd888/tradehold/internal/config"
	"github.com/mbd888/tradehold/internal/directory"
	"github.com/mbd888/tradehold/internal/escrow"
	"github.com/mbd888/tradehold/internal/events"
	"github.com/mbd888/tradehold/internal/health"
	"github.com/mbd888/tradehold/internal/logging"
	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/negotiation"
	"github.com/mbd888/tradehold/internal/ratelimit"
	"github.com/mbd888/tradehold/internal/realtime"
	"github.com/mbd888/tradehold/internal/reconciliation"
	"github.com/mbd888/tradehold/internal/security"
	"github.com/mbd888/tradehold/internal/traces"
	"github.com/mbd888/tradehold/internal/validation"
	"github.com/mbd888/tradehold/internal/webhooks"
)

// Version is reported by /health and the tracer resource.
var Version = "dev"

const (
	directoryCacheTTL = 10 * time.Minute
	reconcileInterval = 5 * time.Minute
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil if using in-memory
	now    func() time.Time

	bus         *events.Bus
	issuer      *auth.Issuer
	escrow      *escrow.Service
	arbitrator  *escrow.Arbitrator
	scanner     *escrow.ReadinessScanner
	negotiation *negotiation.Service
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	complaints  *complaints.Service
	directory   *directory.Cached
	names       *directory.Resolver
	webhooks    *webhooks.Dispatcher
	webhookDB   webhooks.Store
	realtimeHub *realtime.Hub
	kafka       *events.KafkaSink
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	background    sync.WaitGroup
	shutdownTrace func(context.Context) error
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock overrides the clock used by the escrow and negotiation services.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		now:        time.Now,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.bus = events.NewBus(s.logger)
	s.issuer = auth.NewIssuer(cfg.JWTSecret, 0)
	s.checks = health.NewRegistry(2 * time.Second)

	var (
		orderStore       escrow.Store
		negotiationStore negotiation.Store
		complaintStore   complaints.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.checks.Register("database", health.DBChecker("database", db))
		orderStore = escrow.NewPostgresStore(db)
		negotiationStore = negotiation.NewPostgresStore(db)
		complaintStore = complaints.NewPostgresStore(db)
		s.webhookDB = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		orderStore = escrow.NewMemoryStore()
		negotiationStore = negotiation.NewMemoryStore()
		complaintStore = complaints.NewMemoryStore()
		s.webhookDB = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Directory lookups are cached; misses render a fallback label.
	s.directory = directory.NewCached(directory.NewMemory(), cfg.DirectoryCacheSize, directoryCacheTTL)
	s.names = directory.NewResolver(s.directory, s.logger)

	s.webhooks = webhooks.NewDispatcher(s.webhookDB, s.logger)
	notifier := webhooks.NewEmitter(s.webhooks)

	s.negotiation = negotiation.NewService(negotiationStore, s.bus).
		WithNotifier(notifier).
		WithCustomerNames(s.names).
		WithClock(s.now).
		WithLogger(s.logger)

	s.escrow = escrow.NewService(orderStore, s.bus).
		WithPriceSource(s.negotiation).
		WithNotifier(notifier).
		WithAutoReleaseWindow(cfg.AutoReleaseWindow).
		WithClock(s.now).
		WithLogger(s.logger)
	s.arbitrator = escrow.NewArbitrator(s.escrow)
	s.scanner = escrow.NewReadinessScanner(s.escrow, s.bus, cfg.ReadinessScanInterval, s.logger)
	s.reconciler = reconciliation.NewRunner(s.escrow, s.negotiation, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, reconcileInterval, s.logger)

	s.complaints = complaints.NewService(complaintStore, s.bus).
		WithNames(s.names).
		WithClock(s.now)

	s.realtimeHub = realtime.NewHub(s.logger).WithOrigins(cfg.CORSOrigins)
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		s.logger.Info("change export enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	s.checks.Register("readiness_scanner", func(context.Context) health.Status {
		if !s.ready.Load() || s.scanner.Running() {
			return health.Status{Healthy: true}
		}
		return health.Status{Healthy: false, Detail: "scan loop stopped"}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); !ok {
		return u.String()
	}
	// Set "***" after encoding; url.UserPassword would escape it.
	u.User = url.User(u.User.Username())
	return strings.Replace(u.String(), "@", ":***@", 1)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Tokens are parsed before rate limiting so callers are bucketed by actor.
	s.router.Use(auth.Middleware(s.issuer))
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(s.cfg.RateLimitRPS),
		Burst:             s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimiter.Middleware(auth.ActorKey))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > validation.MaxIDLength {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/v1/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1", auth.RequireActor())
	v1.GET("/whoami", auth.Whoami)

	escrowHandler := escrow.NewHandler(s.escrow, s.arbitrator).WithNames(s.names)
	negotiationHandler := negotiation.NewHandler(s.negotiation)
	complaintHandler := complaints.NewHandler(s.complaints)
	directoryHandler := directory.NewHandler(s.names, s.directory)

	escrowHandler.RegisterRoutes(v1)
	negotiationHandler.RegisterRoutes(v1)
	complaintHandler.RegisterRoutes(v1)
	directoryHandler.RegisterRoutes(v1)
	webhooks.NewHandler(s.webhookDB).RegisterRoutes(v1)

	admin := v1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	escrowHandler.RegisterAdminRoutes(admin)
	complaintHandler.RegisterAdminRoutes(admin)
	directoryHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", s.realtimeStatsHandler)
	admin.POST("/reconcile", s.reconcileHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.checks.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	stats := s.realtimeHub.Stats()
	stats["busSubscribers"] = s.bus.Subscribers()
	stats["directoryCached"] = s.directory.Len()
	c.JSON(http.StatusOK, stats)
}

func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.reconciler.RunAll(c.Request.Context())
	if err != nil {
		s.logger.Warn("manual reconciliation incomplete", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": "Some claims could not be checked",
			"report":  report,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops: the realtime hub, the change
// forwarders, the readiness scanner and the claim reconciler. Run calls it.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.goBackground(func() { s.realtimeHub.Run(runCtx) })
	s.goBackground(func() { s.bus.Forward(runCtx, "realtime", events.Filter{}, s.realtimeHub) })
	if s.kafka != nil {
		s.goBackground(func() { s.bus.Forward(runCtx, "kafka", events.Filter{}, s.kafka) })
	}
	s.goBackground(func() { s.scanner.Start(runCtx) })
	s.goBackground(func() { s.reconTimer.Start(runCtx) })
	s.ready.Store(true)
}

func (s *Server) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	shutdownTrace, err := traces.Init(ctx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
	s.logger.Info("server ready",
		"auto_release_window", s.cfg.AutoReleaseWindow.String(),
		"scan_interval", s.cfg.ReadinessScanInterval.String(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
		cancel()
	}

	// Handlers have returned; stop the loops that feed observers.
	s.scanner.Stop()
	s.reconTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.background.Wait()

	s.webhooks.Wait()
	s.logger.Info("webhook deliveries drained")

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTrace != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
		cancel()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
