package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/auth"
	"github.com/jmerrifield20/AuditLedger/internal/handler"
	"github.com/jmerrifield20/AuditLedger/internal/ingest"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/sweeper"
	"github.com/jmerrifield20/AuditLedger/internal/telemetry"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const serviceName = "ledgerd"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	v, found, err := loadConfig("configs", ".")
	if err != nil {
		return err
	}
	if !found {
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Tracing ──────────────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, v.GetString("telemetry.otlp_endpoint"))
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := shutdownTracing(shutCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	// ── Store + Ledger ───────────────────────────────────────────────────────
	be, err := openBackend(ctx, v, logger)
	if err != nil {
		return err
	}
	defer be.close()

	l := ledger.New(be.store, ledger.Config{
		MaxAppendAttempts: v.GetInt("ledger.max_append_attempts"),
		AppendBackoff:     time.Duration(v.GetInt("ledger.append_backoff_ms")) * time.Millisecond,
		PageSize:          v.GetInt("ledger.verify_page_size"),
	}, logger)
	l.SetConflictRecorder(handler.RecordConflict)

	if v.GetBool("ledgerd.verify_on_start") {
		verifyOnStart(ctx, l, logger)
	}

	// ── Auth ─────────────────────────────────────────────────────────────────
	tokens, err := tokenIssuer(v)
	if err != nil {
		return err
	}
	if tokens == nil {
		logger.Warn("auth.token_secret not set; API routes are unauthenticated")
	}

	// ── Sweeper ──────────────────────────────────────────────────────────────
	sw := sweeper.New(l, sweeper.Config{
		Interval:    time.Duration(v.GetInt("sweeper.interval_seconds")) * time.Second,
		Concurrency: v.GetInt("sweeper.concurrency"),
	}, logger)
	sw.SetMetricsRecord(handler.RecordVerification)
	sw.SetAlert(handler.RecordIntegrityAlert)
	if v.GetInt("sweeper.interval_seconds") > 0 {
		go sw.Start(ctx)
	}

	// ── HTTP router ──────────────────────────────────────────────────────────
	router := newRouter(ctx, v, l, tokens, be, sw.Failing, logger)

	httpPort := v.GetInt("ledgerd.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcPort := v.GetInt("ledgerd.grpc_port")
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("ledgerd HTTP listening",
			zap.Int("port", httpPort),
			zap.String("backend", v.GetString("ledger.backend")),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("ledgerd gRPC health listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ledgerd...")
	healthSvc.Shutdown()
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("ledgerd stopped")
	return nil
}

// newRouter assembles middleware and mounts the API. failing reports the chains
// whose last sweep failed; /readyz lists them without affecting readiness.
func newRouter(ctx context.Context, v *viper.Viper, l *ledger.Ledger, tokens *auth.TokenIssuer, be *backend, failing func() []string, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := v.GetStringSlice("ledgerd.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(handler.SecurityHeaders())
	router.Use(handler.BodyLimit(v.GetInt64("ledgerd.max_body_bytes")))

	if rps := v.GetFloat64("ledgerd.rate_limit_rps"); rps > 0 {
		limiter := handler.NewRateLimiter(ctx, handler.RateLimitConfig{
			RPS:   rps,
			Burst: v.GetInt("ledgerd.rate_limit_burst"),
		})
		router.Use(limiter.Middleware())
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := be.ping(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		failed := failing()
		if failed == nil {
			failed = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "failing_chains": failed})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	handler.NewLedgerHandler(l, tokens, logger).Register(v1)
	handler.NewIngestHandler(ingest.NewIngestor(l, logger), tokens, logger).Register(v1)
	handler.NewAuthHandler(tokens, v.GetString("auth.api_key_hash"), logger).Register(v1)
	return router
}

// tokenIssuer builds the JWT issuer, or nil when no secret is configured.
func tokenIssuer(v *viper.Viper) (*auth.TokenIssuer, error) {
	secret := v.GetString("auth.token_secret")
	if secret == "" {
		return nil, nil
	}
	ttl := time.Duration(v.GetInt("auth.token_ttl_seconds")) * time.Second
	tokens, err := auth.NewTokenIssuer([]byte(secret), v.GetString("auth.issuer"), ttl)
	if err != nil {
		return nil, fmt.Errorf("auth setup: %w", err)
	}
	return tokens, nil
}

// verifyOnStart replays every chain once and reports the outcome. Failures
// are logged, not fatal.
func verifyOnStart(ctx context.Context, l *ledger.Ledger, logger *zap.Logger) {
	startCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	results, err := l.VerifyAll(startCtx)
	if err != nil {
		logger.Warn("startup verification incomplete", zap.Error(err))
	}
	failed := 0
	for _, res := range results {
		handler.RecordVerification(res)
		if !res.Verified {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("ledger integrity check FAILED",
			zap.Int("chains", len(results)),
			zap.Int("failed", failed),
		)
		return
	}
	logger.Info("ledger verified", zap.Int("chains", len(results)))
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
