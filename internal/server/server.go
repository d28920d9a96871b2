// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/churnshield/churnshield/internal/alerts"
	"github.com/churnshield/churnshield/internal/config"
	"github.com/churnshield/churnshield/internal/health"
	"github.com/churnshield/churnshield/internal/idgen"
	"github.com/churnshield/churnshield/internal/kafka"
	"github.com/churnshield/churnshield/internal/lease"
	"github.com/churnshield/churnshield/internal/logging"
	"github.com/churnshield/churnshield/internal/merchant"
	"github.com/churnshield/churnshield/internal/metrics"
	"github.com/churnshield/churnshield/internal/ratelimit"
	"github.com/churnshield/churnshield/internal/realtime"
	"github.com/churnshield/churnshield/internal/reports"
	"github.com/churnshield/churnshield/internal/risk"
	"github.com/churnshield/churnshield/internal/security"
	"github.com/churnshield/churnshield/internal/traces"
	"github.com/churnshield/churnshield/internal/validation"
	"github.com/churnshield/churnshield/internal/webhooks"
	"github.com/churnshield/churnshield/migrations"
)

// Version is reported by /health.
const Version = "0.3.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	policy config.Policy

	merchants    merchant.Store
	riskStore    risk.Store
	riskConfigs  risk.ConfigStore
	engine       *risk.Engine
	alertStore   alerts.Store
	alertService *alerts.Service
	alertWorker  *alerts.Worker
	alertTimer   *alerts.Timer

	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	realtimeHub  *realtime.Hub
	publisher    *kafka.Publisher

	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil if REDIS_URL unset
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
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

// WithPolicy overrides the policy file (for testing)
func WithPolicy(p config.Policy) Option {
	return func(s *Server) {
		s.policy = p
	}
}

// WithMerchantStore injects a merchant store (for testing)
func WithMerchantStore(store merchant.Store) Option {
	return func(s *Server) {
		s.merchants = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	if cfg.PolicyPath != "" {
		p, err := config.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return nil, err
		}
		s.policy = p
	} else {
		s.policy = config.DefaultPolicy()
	}

	// Apply options after defaults so tests can override them
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	s.traceShutdown = shutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		if err := s.openDatabase(ctx); err != nil {
			return nil, err
		}
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		if s.merchants == nil {
			s.merchants = merchant.NewMemoryStore()
		}
		s.riskStore = risk.NewMemoryStore()
		s.riskConfigs = risk.NewMemoryConfigStore(s.policy.Scoring)
		s.alertStore = alerts.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
	}

	// Redis: merchant cache and scheduler leases
	evalLease, sweepLease, err := s.setupRedis(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.DemoMode {
		if err := seedMerchants(ctx, s.merchants, time.Now()); err != nil {
			return nil, fmt.Errorf("failed to seed demo merchants: %w", err)
		}
		s.logger.Info("demo merchants seeded", "count", len(demoMerchants))
	}

	// Scoring
	s.engine = risk.NewEngine(s.riskConfigs, s.riskStore, s.logger)

	// Event sinks: websocket feed, webhooks, and Kafka when configured
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger).WithDefaultSecret(cfg.WebhookSecret)
	sinks := fanout{s.realtimeHub, webhooks.NewEmitter(s.webhooks, s.logger)}
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = kafka.NewPublisher(kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic), cfg.KafkaTopic, s.logger)
		sinks = append(sinks, s.publisher)
		s.health.Register("kafka", kafka.HealthCheck(cfg.KafkaBrokers))
		s.logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// Alerts
	s.alertService = alerts.NewService(s.alertStore, s.merchants, s.engine, s.policy.Actions, s.logger).
		WithEmitter(sinks)
	s.alertWorker = alerts.NewWorker(s.alertService, evalLease, cfg.EvaluationInterval, s.logger)
	s.alertTimer = alerts.NewTimer(s.alertService, sweepLease, cfg.SweepInterval, s.logger)
	s.health.Register("evaluation_worker", health.Running("evaluation_worker", s.alertWorker.Running))
	s.health.Register("lifecycle_timer", health.Running("lifecycle_timer", s.alertTimer.Running))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.db = db
	if s.merchants == nil {
		s.merchants = merchant.NewPostgresStore(db)
	}
	s.riskStore = risk.NewPostgresStore(db)
	s.riskConfigs = risk.NewPostgresConfigStore(db, s.policy.Scoring)
	s.alertStore = alerts.NewPostgresStore(db)
	s.webhookStore = webhooks.NewPostgresStore(db)
	s.health.Register("database", health.Database(db))

	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// setupRedis connects to Redis when configured and returns the scheduler
// leases. Without Redis the leases are process-local.
func (s *Server) setupRedis(ctx context.Context) (evalLease, sweepLease lease.Lease, err error) {
	if s.cfg.RedisURL == "" {
		return lease.NewLocalLease(), lease.NewLocalLease(), nil
	}

	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.redis = rdb
	s.merchants = merchant.NewCachedStore(s.merchants, rdb, merchant.DefaultCacheTTL, s.logger)
	s.health.Register("redis", health.Redis(rdb))
	s.logger.Info("redis enabled", "addr", opts.Addr)

	return lease.NewRedisLease(rdb, "churnshield:lease:evaluate"),
		lease.NewRedisLease(rdb, "churnshield:lease:sweep"), nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS for the CX console
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	if s.cfg.RateLimitRPS > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPS * 60,
			BurstSize:         s.cfg.RateLimitRPS,
			CleanupInterval:   time.Minute,
		})
		s.router.Use(s.rateLimiter.Middleware())
	}

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if op := c.GetHeader(alerts.OperatorHeader); op != "" {
			ctx = logging.WithOperator(ctx, validation.SanitizeString(op, 128))
		}
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

		// Log level based on status code
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
			logger.Info("request completed",
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for the live alert feed
	s.router.GET("/ws", security.RequireKey(s.cfg.APIKey), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	alertHandler := alerts.NewHandler(s.alertService)
	merchantHandler := merchant.NewHandler(s.merchants, s.engine)
	riskHandler := risk.NewHandler(s.engine, s.riskConfigs, s.riskStore)
	reportHandler := reports.NewHandler(s.alertStore)
	webhookHandler := webhooks.NewHandler(s.webhookStore, s.webhooks)

	// Reads are open to the console
	alertHandler.RegisterRoutes(v1)
	merchantHandler.RegisterRoutes(v1)
	riskHandler.RegisterRoutes(v1)
	reportHandler.RegisterRoutes(v1)

	// Mutations need the API key
	protected := v1.Group("")
	protected.Use(security.RequireKey(s.cfg.APIKey))
	alertHandler.RegisterProtectedRoutes(protected)
	merchantHandler.RegisterProtectedRoutes(protected)
	webhookHandler.RegisterProtectedRoutes(protected)

	// Scoring policy changes take the admin secret when one is configured
	adminKey := s.cfg.AdminSecret
	if adminKey == "" {
		adminKey = s.cfg.APIKey
	}
	admin := v1.Group("")
	admin.Use(security.RequireKey(adminKey))
	riskHandler.RegisterProtectedRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Realtime  realtime.Stats  `json:"realtime"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
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
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, publisher, and scheduled loops.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)

	if s.publisher != nil {
		go s.publisher.Run(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	go s.alertWorker.Start(ctx)
	go s.alertTimer.Start(ctx)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop the scheduled loops before cancelling the shared context
	s.alertWorker.Stop()
	s.alertTimer.Stop()
	s.logger.Info("alert worker and timer stopped")

	// Cancel the context for all background goroutines (hub, publisher, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Flush queued Kafka events
	if s.publisher != nil {
		select {
		case <-s.publisher.Done():
			s.logger.Info("kafka publisher drained")
		case <-ctx.Done():
			s.logger.Warn("kafka publisher drain timed out")
		}
	}

	// Let in-flight webhook deliveries finish
	s.webhooks.Wait()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
