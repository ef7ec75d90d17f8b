// Package server wires the escrow system together and runs the HTTP API.
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

	"github.com/middletrust/escrowd/internal/config"
	"github.com/middletrust/escrowd/internal/dispute"
	"github.com/middletrust/escrowd/internal/escrow"
	"github.com/middletrust/escrowd/internal/gateway"
	"github.com/middletrust/escrowd/internal/logging"
	"github.com/middletrust/escrowd/internal/metrics"
	"github.com/middletrust/escrowd/internal/money"
	"github.com/middletrust/escrowd/internal/ratelimit"
	"github.com/middletrust/escrowd/internal/realtime"
	"github.com/middletrust/escrowd/internal/reconciliation"
	"github.com/middletrust/escrowd/internal/security"
	"github.com/middletrust/escrowd/internal/validation"
	"github.com/middletrust/escrowd/internal/wallet"
)

// Server wraps the HTTP server and all services.
type Server struct {
	cfg *config.Config

	walletService  *wallet.Service
	escrowService  *escrow.Service
	disputeService *dispute.Service
	gateway        gateway.Gateway
	sweeper        *reconciliation.Sweeper
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter

	db           *sql.DB // nil when using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway injects a payment gateway (for testing).
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
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

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		walletStore  wallet.Store
		escrowStore  escrow.Store
		disputeStore dispute.Store
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

		ws := wallet.NewPostgresStore(db, cfg.Currency)
		if err := ws.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate wallet store", "error", err)
		}
		walletStore = ws

		es := escrow.NewPostgresStore(db)
		if err := es.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate transaction store", "error", err)
		}
		escrowStore = es

		ds := dispute.NewPostgresStore(db)
		if err := ds.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate dispute store", "error", err)
		}
		disputeStore = ds
	} else {
		walletStore = wallet.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime hub first: the wallet service streams ledger events to it.
	s.realtimeHub = realtime.NewHub(s.logger)

	s.walletService = wallet.NewService(walletStore, cfg.Currency).WithNotifier(s.realtimeHub)

	// Gateway: Stripe when configured, mock otherwise. Always wrapped
	// with the retry policy.
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = gateway.NewStripe(cfg.StripeSecretKey, cfg.Currency, cfg.PublicBaseURL+"/funding/return")
			s.logger.Info("stripe gateway enabled", "currency", cfg.Currency)
		} else {
			s.gateway = gateway.NewMock()
			s.logger.Info("mock gateway enabled (no STRIPE_SECRET_KEY)")
		}
	}
	retryingGateway := gateway.NewWithRetry(s.gateway, cfg.GatewayMaxRetries, 500*time.Millisecond)

	s.escrowService = escrow.NewService(escrowStore, &walletLedgerAdapter{s.walletService}).
		WithPayoutExecutor(retryingGateway).
		WithFundingInitiator(retryingGateway).
		WithNotifier(s.realtimeHub)

	s.disputeService = dispute.NewService(disputeStore, &disputeTxLookup{s.escrowService}).
		WithNotifier(s.realtimeHub)
	s.escrowService.WithDisputeGate(s.disputeService)

	s.sweeper = reconciliation.NewSweeper(
		s.escrowService, escrowStore, retryingGateway,
		cfg.SweepInterval, cfg.PendingTimeout, cfg.GraceWindow,
		s.logger,
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(s.cfg.RateLimitRPS),
		BurstSize:         2 * s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

	// The webhook authenticates by signature, not caller identity, so it
	// mounts before the identity middleware.
	if s.cfg.StripeWebhookSecret != "" {
		webhookHandler := gateway.NewWebhookHandler(s.cfg.StripeWebhookSecret, s.escrowService)
		webhookHandler.RegisterRoutes(v1)
		s.logger.Info("payment webhook enabled")
	}

	authed := v1.Group("")
	authed.Use(validation.UserIDHeaderMiddleware())
	{
		escrowHandler := escrow.NewHandler(s.escrowService)
		escrowHandler.RegisterRoutes(authed)

		walletHandler := wallet.NewHandler(s.walletService)
		walletHandler.RegisterRoutes(authed)

		disputeHandler := dispute.NewHandler(s.disputeService)
		disputeHandler.RegisterRoutes(authed)

		// WebSocket event stream, bound to the caller's identity.
		authed.GET("/ws", func(c *gin.Context) {
			s.realtimeHub.HandleWebSocket(c.Writer, c.Request, c.GetString("userID"))
		})
	}
}

// HealthResponse for the health check endpoint.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
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
	}
	if s.sweeper != nil {
		if s.sweeper.Running() {
			checks["sweeper"] = "healthy"
		} else {
			checks["sweeper"] = "stopped"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if checks["database"] == "unhealthy" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

// Run starts the HTTP server and background loops, blocking until a
// shutdown signal or a fatal server error.
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

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)
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

// Shutdown gracefully stops the server and background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// walletLedgerAdapter adapts the wallet service to the escrow Ledger
// interface, translating wallet errors to the escrow taxonomy.
type walletLedgerAdapter struct {
	w *wallet.Service
}

func translateWalletErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, wallet.ErrDuplicateReference):
		return escrow.ErrDuplicateReference
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return escrow.ErrInsufficientFunds
	default:
		return err
	}
}

func (a *walletLedgerAdapter) LockFunds(ctx context.Context, payerID string, amount money.Amount, reference, transactionID string) error {
	_, err := a.w.Debit(ctx, payerID, amount, reference, wallet.Metadata{
		Purpose:       "escrow_lock",
		TransactionID: transactionID,
	})
	return translateWalletErr(err)
}

func (a *walletLedgerAdapter) ReleasePayout(ctx context.Context, payeeID string, amount money.Amount, reference, transactionID string) error {
	_, err := a.w.Credit(ctx, payeeID, amount, reference, wallet.Metadata{
		Purpose:       "escrow_payout",
		TransactionID: transactionID,
	})
	return translateWalletErr(err)
}

func (a *walletLedgerAdapter) RefundLock(ctx context.Context, payerID string, amount money.Amount, reference, transactionID string) error {
	_, err := a.w.Credit(ctx, payerID, amount, reference, wallet.Metadata{
		Purpose:       "escrow_refund",
		TransactionID: transactionID,
	})
	return translateWalletErr(err)
}

func (a *walletLedgerAdapter) ApplyDeposit(ctx context.Context, ownerID string, amount money.Amount, reference, transactionID string) error {
	_, err := a.w.Credit(ctx, ownerID, amount, reference, wallet.Metadata{
		Purpose:       "gateway_deposit",
		TransactionID: transactionID,
	})
	return translateWalletErr(err)
}

// disputeTxLookup adapts the escrow service to the dispute package's
// transaction eligibility check.
type disputeTxLookup struct {
	e *escrow.Service
}

func (a *disputeTxLookup) Lookup(ctx context.Context, transactionID string) (*dispute.TransactionInfo, error) {
	tx, err := a.e.Get(ctx, transactionID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return nil, dispute.ErrNotFound
		}
		return nil, err
	}

	parties := []string{tx.CreatorID}
	if tx.ParticipantID != "" {
		parties = append(parties, tx.ParticipantID)
	}
	return &dispute.TransactionInfo{
		ID:       tx.ID,
		Funded:   tx.Funded,
		Terminal: tx.IsTerminal(),
		Parties:  parties,
	}, nil
}
