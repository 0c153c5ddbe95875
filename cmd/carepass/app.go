package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/carepass/internal/db"
	"github.com/nkiryanov/carepass/internal/handlers"
	"github.com/nkiryanov/carepass/internal/handlers/middleware"
	"github.com/nkiryanov/carepass/internal/logger"
	"github.com/nkiryanov/carepass/internal/metrics"
	"github.com/nkiryanov/carepass/internal/repository"
	"github.com/nkiryanov/carepass/internal/repository/memory"
	"github.com/nkiryanov/carepass/internal/repository/mysql"
	"github.com/nkiryanov/carepass/internal/repository/postgres"
	"github.com/nkiryanov/carepass/internal/service/audit"
	"github.com/nkiryanov/carepass/internal/service/staffauth"
	"github.com/nkiryanov/carepass/internal/service/verification"
	"github.com/nkiryanov/carepass/internal/service/verification/tokencodec"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	audit   *audit.Dispatcher
	sweeper *verification.Sweeper
	metrics *metrics.Provider
	logger  logger.Logger

	// Release storage connections
	close func()
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config. Err: %w", err)
	}

	// No key, no service: checked before anything is opened
	key, err := tokencodec.NewSigningKey(c.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("error while loading signing key. Err: %w", err)
	}

	ledger, auditRepo, closeStorage, err := openStorage(ctx, c.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}

	app, err := newServerApp(c, key, ledger, auditRepo, logger)
	if err != nil {
		closeStorage()
		return nil, err
	}
	app.close = closeStorage

	return app, nil
}

func newServerApp(c *Config, key tokencodec.SigningKey, ledger repository.TokenLedger, auditRepo repository.AuditRepo, logger logger.Logger) (*ServerApp, error) {
	// Metrics
	provider, err := metrics.NewProvider()
	if err != nil {
		return nil, fmt.Errorf("error while creating metrics provider. Err: %w", err)
	}
	businessMetrics, err := metrics.NewBusinessMetrics(provider.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("error while creating business metrics. Err: %w", err)
	}
	httpMetrics, err := metrics.HTTPMiddleware(provider.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("error while creating http metrics. Err: %w", err)
	}

	// Audit sinks: always the log, plus the database when there is one
	sinks := []audit.Sink{audit.NewLogSink(logger)}
	if auditRepo != nil {
		sinks = append(sinks, auditRepo)
	}
	dispatcher := audit.NewDispatcher(c.AuditQueueSize, audit.DefaultCountWorkers, logger, sinks...)

	// Services
	svc, err := verification.NewService(verification.Config{MaxTTL: c.MaxTokenTTL}, key, ledger, dispatcher, logger)
	if err != nil {
		return nil, fmt.Errorf("error while creating verification service. Err: %w", err)
	}
	tokens := verification.NewServiceWithMetrics(svc, businessMetrics)

	sweeper, err := verification.NewSweeper(verification.SweeperConfig{
		Retention: c.RetentionWindow,
		Interval:  c.PurgeInterval,
		Metrics:   businessMetrics,
	}, ledger, logger)
	if err != nil {
		return nil, fmt.Errorf("error while creating retention sweeper. Err: %w", err)
	}

	staff, err := staffauth.New(staffauth.Config{Key: key.Staff()})
	if err != nil {
		return nil, fmt.Errorf("error while creating staff auth. Err: %w", err)
	}

	ips, err := middleware.NewClientIPResolver(c.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("error while parsing trusted proxies. Err: %w", err)
	}

	mux := handlers.NewRouter(
		handlers.RouterConfig{
			ClientIPs:      ips,
			ValidateRPS:    c.ValidateRPS,
			ValidateBurst:  c.ValidateBurst,
			MetricsHandler: provider.Handler(),
			Middlewares:    []func(http.Handler) http.Handler{httpMetrics},
		},
		tokens,
		staff,
		logger,
	)

	return &ServerApp{
		ListenAddr: c.ListenAddr,
		Handler:    mux,
		audit:      dispatcher,
		sweeper:    sweeper,
		metrics:    provider,
		logger:     logger,
		close:      func() {},
	}, nil
}

// Open the ledger the dsn points to and run migrations
// Empty dsn gives the in-memory ledger and no audit table.
func openStorage(ctx context.Context, dsn string, l logger.Logger) (repository.TokenLedger, repository.AuditRepo, func(), error) {
	if dsn == "" {
		l.Warn("DATABASE_URI is empty, using in-memory ledger. Tokens will not survive a restart")
		return memory.NewLedger(), nil, func() {}, nil
	}

	driver, err := db.DriverFor(dsn)
	if err != nil {
		return nil, nil, nil, err
	}

	switch driver {
	case db.DriverMySQL:
		conn, err := db.ConnectMySQLAndMigrate(ctx, dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("error while connecting to mysql. Err: %w", err)
		}
		storage := mysql.NewStorage(conn)
		return storage.Ledger(), storage.Audit(), func() { _ = conn.Close() }, nil

	default:
		pool, err := db.ConnectAndMigrate(ctx, dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		storage := postgres.NewStorage(pool)
		return storage.Ledger(), storage.Audit(), pool.Close, nil
	}
}

// Run starts http server, audit workers and retention sweep
// Everything stops gracefully on context cancellation.
func (s *ServerApp) Run(ctx context.Context) error {
	defer s.close()

	// Audit workers outlive the http server so events of the last requests are delivered
	auditCtx, stopAudit := context.WithCancel(context.WithoutCancel(ctx))
	auditStopped := s.audit.Consume(auditCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-s.sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.serve(gctx)
	})

	err := g.Wait()

	stopAudit()
	<-auditStopped

	timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if mErr := s.metrics.Shutdown(timeoutCtx); mErr != nil {
		s.logger.Warn("Metrics shutdown failed", "error", mErr)
	}

	s.logger.Info("Service stopped")
	return err
}

func (s *ServerApp) serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
