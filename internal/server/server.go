// Package server sets up the HTTP server with all routes
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/botdefense"
	"github.com/mbd888/fraudguard/internal/chargeback"
	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/config"
	"github.com/mbd888/fraudguard/internal/events"
	"github.com/mbd888/fraudguard/internal/health"
	"github.com/mbd888/fraudguard/internal/lists"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/ratelimit"
	"github.com/mbd888/fraudguard/internal/realtime"
	"github.com/mbd888/fraudguard/internal/risk"
	"github.com/mbd888/fraudguard/internal/riskconfig"
	"github.com/mbd888/fraudguard/internal/security"
	"github.com/mbd888/fraudguard/internal/signals"
	"github.com/mbd888/fraudguard/internal/traces"
	"github.com/mbd888/fraudguard/internal/validation"
	"github.com/mbd888/fraudguard/internal/velocity"
	"github.com/mbd888/fraudguard/internal/webhooks"
)

// Version is reported by the health endpoint.
const Version = "0.4.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB               // nil if using in-memory
	redis redis.UniversalClient // nil without REDIS_URL

	provider     *riskconfig.Provider
	source       riskconfig.Source
	reloader     *riskconfig.Reloader
	chargebacks  chargeback.Source
	velocity     velocity.Store
	velocityMem  *velocity.MemoryStore // set only for the in-memory backend
	velocitySwp  *velocity.Sweeper     // set only for the Postgres backend
	listService  *lists.Service
	listSweeper  *lists.Sweeper
	decisions    risk.Store
	retention    *risk.RetentionSweeper
	engine       *risk.Engine
	realtimeHub  *realtime.Hub
	publisher    *events.Publisher
	webhookStore webhooks.Store
	dispatcher   *webhooks.Dispatcher

	authMgr     *auth.Manager
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	shutdownTracing func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithChargebackSource replaces the configured chargeback source (for testing)
func WithChargebackSource(src chargeback.Source) Option {
	return func(s *Server) {
		s.chargebacks = src
	}
}

// WithRiskSource replaces the configured risk policy source (for testing)
func WithRiskSource(src riskconfig.Source) Option {
	return func(s *Server) {
		s.source = src
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, decisions and lists are in-memory only")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.logger.Info("using Redis for counters and bot-defense cache", "url", maskDSN(cfg.RedisURL))
	}

	if err := s.setupRiskConfig(ctx); err != nil {
		return nil, err
	}
	if err := s.setupStores(); err != nil {
		return nil, err
	}
	s.setupEngine()

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, "fraudguard", s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		s.publisher = pub
		s.engine.AddNotifier(pub)
		s.logger.Info("publishing decisions to kafka", "topic", cfg.KafkaTopic, "brokers", len(cfg.KafkaBrokers))
	}

	s.authMgr = auth.NewManager(cfg.ServiceAPIKeys, cfg.AdminSecret)
	if s.authMgr.Open() {
		s.logger.Warn("no SERVICE_API_KEYS configured, evaluation API is unauthenticated")
	}

	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("postgres", health.DBChecker(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.RedisChecker(s.redis))
	}
	if s.publisher != nil {
		s.health.Register("kafka", kafkaChecker(s.publisher))
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

// setupRiskConfig loads the initial policy. A file that fails to load or
// validate at startup is fatal; later reload failures keep the last good
// snapshot.
func (s *Server) setupRiskConfig(ctx context.Context) error {
	mode := riskconfig.Mode(s.cfg.ModeOverride)
	if s.source == nil {
		if s.cfg.RiskConfigPath != "" {
			s.source = &riskconfig.FileSource{Path: s.cfg.RiskConfigPath, ModeOverride: mode}
		} else {
			snap := riskconfig.Default()
			if mode != "" {
				snap.Mode = mode
			}
			if err := snap.Validate(); err != nil {
				return err
			}
			s.source = riskconfig.StaticSource{Snapshot: snap}
		}
	}

	initial, err := s.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load risk config: %w", err)
	}
	s.provider = riskconfig.NewProvider(initial)
	s.reloader = riskconfig.NewReloader(s.provider, s.source, s.cfg.RiskConfigInterval, s.logger)
	s.logger.Info("risk config loaded", "version", initial.Version, "mode", initial.Mode)
	return nil
}

// setupStores picks a backend per store: Redis for counters when
// configured, Postgres for everything durable, memory otherwise.
func (s *Server) setupStores() error {
	switch {
	case s.redis != nil:
		s.velocity = velocity.NewRedisStore(s.redis)
	case s.db != nil:
		pg := velocity.NewPostgresStore(s.db)
		s.velocity = pg
		s.velocitySwp = velocity.NewSweeper(pg, 10*time.Minute, s.logger)
	default:
		s.velocityMem = velocity.NewMemoryStore()
		s.velocity = s.velocityMem
	}

	var listStore lists.Store = lists.NewMemoryStore()
	s.decisions = risk.NewMemoryStore()
	if s.db != nil {
		listStore = lists.NewPostgresStore(s.db)
		s.decisions = risk.NewPostgresStore(s.db)
	}
	s.listService = lists.NewService(listStore, s.logger)
	s.listSweeper = lists.NewSweeper(s.listService, s.cfg.ListSweepInterval, s.logger)
	s.retention = risk.NewRetentionSweeper(s.decisions, s.cfg.DecisionSweepInterval, s.logger)

	if s.chargebacks != nil {
		return nil
	}
	switch s.cfg.ChargebackSource {
	case "stripe":
		if s.cfg.StripeSecretKey == "" {
			return errors.New("CHARGEBACK_SOURCE=stripe requires STRIPE_SECRET_KEY")
		}
		s.chargebacks = chargeback.NewStripeSource(s.cfg.StripeSecretKey, nil)
	case "postgres":
		if s.db == nil {
			s.logger.Warn("chargeback source postgres needs DATABASE_URL, using empty in-memory source")
			s.chargebacks = chargeback.NewMemorySource()
			return nil
		}
		s.chargebacks = chargeback.NewPostgresSource(s.db)
	default:
		s.chargebacks = chargeback.NewMemorySource()
	}
	s.logger.Info("chargeback source selected", "source", s.cfg.ChargebackSource)
	return nil
}

func (s *Server) setupEngine() {
	var cache botdefense.Cache = botdefense.NewMemoryCache(botdefense.DefaultCacheSize)
	if s.redis != nil {
		cache = botdefense.NewRedisCache(s.redis)
	}

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})

	bot := botdefense.NewAdapter(s.provider, s.logger,
		botdefense.WithAppIntegrity(botdefense.NewJWTVerifier(s.provider)),
		botdefense.WithChallenge(botdefense.NewHTTPChallengeVerifier(s.provider, &http.Client{Timeout: time.Second}, breaker)),
		botdefense.WithCache(cache),
	)

	var signalStore signals.Store = signals.NewMemoryStore()
	if s.db != nil {
		signalStore = signals.NewPostgresStore(s.db)
	}
	collector := signals.NewCollector(s.velocity, s.chargebacks, bot, signalStore, s.logger)

	s.engine = risk.NewEngine(s.provider, collector, s.listService, s.decisions, s.logger)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.engine.AddNotifier(s.realtimeHub)

	s.webhookStore = webhooks.NewMemoryStore()
	if s.db != nil {
		s.webhookStore = webhooks.NewPostgresStore(s.db)
	}
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore, s.logger)
	s.engine.AddNotifier(s.dispatcher)
}

// maskDSN hides password in connection string for logging
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

func kafkaChecker(p *events.Publisher) health.Checker {
	return func(ctx context.Context) health.Status {
		if err := p.Ping(ctx); err != nil {
			return health.Status{Healthy: false, Detail: err.Error()}
		}
		return health.Status{Healthy: true}
	}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	maxSize := s.cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = validation.MaxRequestSize
	}
	s.router.Use(validation.RequestSizeMiddleware(maxSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Per-caller throttling runs inside the authenticated groups, where the
	// caller is known.
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	api := v1.Group("", auth.RequireServiceKey(s.authMgr), s.rateLimiter.Middleware())
	risk.NewHandler(s.engine, s.decisions).RegisterRoutes(api)
	s.realtimeHub.RegisterRoutes(api)

	admin := v1.Group("/admin", auth.RequireAdmin(s.authMgr), s.rateLimiter.Middleware())
	lists.NewHandler(s.listService).RegisterRoutes(admin)
	webhooks.NewHandler(s.webhookStore, s.dispatcher).RegisterRoutes(admin)
	admin.GET("/config", s.configHandler)
	admin.POST("/config/reload", s.reloadConfigHandler)
	admin.GET("/status", s.statusHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Mode      string          `json:"mode"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Mode:      string(s.provider.Current().Mode),
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

func (s *Server) infoHandler(c *gin.Context) {
	snap := s.provider.Current()
	c.JSON(http.StatusOK, gin.H{
		"name":          "fraudguard",
		"version":       Version,
		"mode":          snap.Mode,
		"configVersion": snap.Version,
	})
}

// configHandler returns the active policy. Bot-defense secrets are masked.
func (s *Server) configHandler(c *gin.Context) {
	snap := *s.provider.Current()
	bd := snap.BotDefense
	if bd.ChallengeSecret != "" {
		bd.ChallengeSecret = "***"
	}
	snap.BotDefense = bd
	c.JSON(http.StatusOK, gin.H{"config": &snap})
}

func (s *Server) reloadConfigHandler(c *gin.Context) {
	applied, err := s.reloader.Reload(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "config_invalid",
			"message": err.Error(),
		})
		return
	}
	snap := s.provider.Current()
	c.JSON(http.StatusOK, gin.H{
		"applied": applied,
		"version": snap.Version,
		"mode":    snap.Mode,
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	out := gin.H{
		"feed":    s.realtimeHub.Stats(),
		"workers": s.workerStatus(),
	}
	if s.publisher != nil {
		out["kafka"] = s.publisher.Stats()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) workerStatus() gin.H {
	return gin.H{
		"decisionRetention": s.retention.Running(),
	}
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"mode", s.provider.Current().Mode,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startWorkers(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startWorkers(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.reloader.Start(ctx)
	go s.listSweeper.Start(ctx)
	go s.retention.Start(ctx)

	if s.velocityMem != nil {
		go s.velocityMem.StartJanitor(ctx, time.Minute)
	}
	if s.velocitySwp != nil {
		go s.velocitySwp.Start(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reloader.Stop()
	s.listSweeper.Stop()
	s.retention.Stop()
	if s.velocitySwp != nil {
		s.velocitySwp.Stop()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.closeDependencies(ctx)

	s.logger.Info("server stopped")
	return nil
}

// closeDependencies flushes and closes outbound clients. Pending webhook
// deliveries and decision events still buffered in the Kafka client are
// flushed before the pool closes.
func (s *Server) closeDependencies(ctx context.Context) {
	if s.dispatcher != nil {
		if err := s.dispatcher.Wait(ctx); err != nil {
			s.logger.Warn("webhook deliveries still in flight at shutdown", "error", err)
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Close(ctx); err != nil {
			s.logger.Error("kafka close error", "error", err)
		} else {
			s.logger.Info("kafka publisher closed")
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the decision engine.
func (s *Server) Engine() *risk.Engine {
	return s.engine
}

// Lists returns the list service.
func (s *Server) Lists() *lists.Service {
	return s.listService
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
