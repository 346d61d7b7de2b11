// Package server wires the billing engine together and serves its HTTP API.
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

	"github.com/relaycrm/billing/internal/admin"
	"github.com/relaycrm/billing/internal/auth"
	"github.com/relaycrm/billing/internal/config"
	"github.com/relaycrm/billing/internal/idgen"
	"github.com/relaycrm/billing/internal/incidents"
	"github.com/relaycrm/billing/internal/instruments"
	"github.com/relaycrm/billing/internal/logging"
	"github.com/relaycrm/billing/internal/metrics"
	"github.com/relaycrm/billing/internal/payments"
	"github.com/relaycrm/billing/internal/ratelimit"
	"github.com/relaycrm/billing/internal/reconciliation"
	"github.com/relaycrm/billing/internal/security"
	"github.com/relaycrm/billing/internal/subscription"
	"github.com/relaycrm/billing/internal/tenant"
	"github.com/relaycrm/billing/internal/traces"
	"github.com/relaycrm/billing/internal/validation"
	"github.com/relaycrm/billing/internal/wallet"
)

// reconcileInterval is how often the background sweep verifies wallet
// balances against the transaction log.
const reconcileInterval = 15 * time.Minute

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg *config.Config

	wallets       *wallet.Service
	tenants       *tenant.Service
	instruments   *instruments.Service
	subscriptions *subscription.Service
	payments      *payments.Service
	incidents     incidents.Store
	reconciler    *reconciliation.Service
	resolver      auth.TenantResolver

	rateLimiter  *ratelimit.Limiter // nil when the Postgres limiter is active
	pgLimiter    *ratelimit.PostgresLimiter
	db           *sql.DB // nil in demo mode
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	tracesDown   func(context.Context) error
	cancelRunCtx context.CancelFunc

	gatewayOverride payments.Gateway

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGateway overrides the payment gateway (for testing).
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) { s.gatewayOverride = g }
}

// WithResolver overrides the tenant resolver (for testing).
func WithResolver(r auth.TenantResolver) Option {
	return func(s *Server) { s.resolver = r }
}

// New creates a server instance with all services wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		walletStore   wallet.Store
		tenantStore   tenant.Store
		instrStore    instruments.Store
		orderStore    payments.Store
		incidentStore incidents.Store
		atomicStore   subscription.AtomicStore
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgWallet := wallet.NewPostgresStore(db)
		if err := pgWallet.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate wallet store", "error", err)
		}
		pgTenant := tenant.NewPostgresStore(db)
		if err := pgTenant.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate tenant store", "error", err)
		}
		pgInstr := instruments.NewPostgresStore(db)
		if err := pgInstr.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate instruments store", "error", err)
		}
		pgOrders := payments.NewPostgresStore(db)
		if err := pgOrders.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate orders store", "error", err)
		}
		pgIncidents := incidents.NewPostgresStore(db)
		if err := pgIncidents.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate incidents store", "error", err)
		}

		walletStore, tenantStore, instrStore = pgWallet, pgTenant, pgInstr
		orderStore, incidentStore = pgOrders, pgIncidents

		// Wallet and tenants share the database, so subscription
		// mutations run in one transaction.
		atomicStore = subscription.NewPostgresTxStore(db)

		s.pgLimiter = ratelimit.NewPostgresLimiter(db, cfg.RateLimitRPM)
		if err := s.pgLimiter.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate rate limit store", "error", err)
		}
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		walletStore = wallet.NewMemoryStore()
		tenantStore = tenant.NewMemoryStore()
		instrStore = instruments.NewMemoryStore()
		orderStore = payments.NewMemoryStore()
		incidentStore = incidents.NewMemoryStore()
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			BurstSize:         cfg.RateLimitRPM / 4,
			CleanupInterval:   time.Minute,
		})
	}

	s.incidents = incidentStore
	s.wallets = wallet.NewService(walletStore, cfg.Currency)
	s.tenants = tenant.NewService(tenantStore)
	s.instruments = instruments.NewService(instrStore, s.wallets)
	s.subscriptions = subscription.NewService(
		s.wallets, s.tenants, incidentStore, atomicStore,
		cfg.PricePerSeat, cfg.FeatureUnlocks,
	)
	s.reconciler = reconciliation.NewService(walletStore, incidentStore)

	gateway := s.gatewayOverride
	if gateway == nil {
		if cfg.StripeSecretKey != "" {
			gateway = payments.NewBreakerGateway(
				payments.NewStripeGateway(cfg.StripeSecretKey), 5, 30*time.Second)
			s.logger.Info("stripe gateway enabled")
		} else {
			gateway = demoGateway{}
			s.logger.Info("demo payment gateway enabled (no STRIPE_SECRET_KEY)")
		}
	}
	s.payments = payments.NewService(orderStore, s.wallets, s.instruments,
		incidentStore, gateway, cfg.Currency,
		payments.Limits{Min: cfg.MinRecharge, Max: cfg.MaxRecharge})

	if s.resolver == nil {
		tokens := cfg.TenantTokens
		if len(tokens) == 0 && !cfg.IsProduction() {
			tokens = map[string]string{"demo-token": "tenant_demo"}
			s.logger.Info("demo tenant token enabled", "tenantId", "tenant_demo")
		}
		s.resolver = auth.NewStaticResolver(tokens)
	}

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesDown = shutdown
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

// demoGateway issues fake payment references so the full recharge flow can
// be exercised without gateway credentials.
type demoGateway struct{}

func (demoGateway) CreatePayment(ctx context.Context, orderID, tenantID string, amount int64, currency string) (string, string, error) {
	ref := "pi_demo_" + idgen.Hex(8)
	return ref, ref + "_secret", nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(auth.Middleware(s.resolver))

	// Postgres-backed limiter when available (shared across replicas),
	// in-process token bucket otherwise.
	if s.pgLimiter != nil {
		s.router.Use(s.pgLimiter.Middleware())
	} else {
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(8)
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Gateway callback authenticates with its signature, not a tenant token.
	payments.NewHandlers(s.payments, s.cfg.StripeWebhookSecret).RegisterWebhook(v1)

	// Tenant-scoped API.
	scoped := v1.Group("")
	scoped.Use(auth.RequireTenant())
	{
		wallet.NewHandlers(s.wallets).RegisterRoutes(scoped)
		tenant.NewHandlers(s.tenants).RegisterRoutes(scoped)
		instruments.NewHandlers(s.instruments).RegisterRoutes(scoped)
		subscription.NewHandlers(s.subscriptions).RegisterRoutes(scoped)
		payments.NewHandlers(s.payments, s.cfg.StripeWebhookSecret).RegisterRoutes(scoped)
	}

	// Operator surface.
	adm := v1.Group("/admin")
	adm.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	admin.NewHandlers(s.wallets, s.tenants, s.instruments, s.incidents, s.reconciler).RegisterRoutes(adm)
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// Run starts the HTTP server and background workers, blocking until a
// shutdown signal or a server error.
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	runLogCtx := logging.WithLogger(runCtx, s.logger)
	go s.reconciler.Start(runLogCtx, reconcileInterval)
	if s.pgLimiter != nil {
		go s.pgLimiter.StartPruner(runLogCtx, time.Minute)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesDown != nil {
		if err := s.tracesDown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
