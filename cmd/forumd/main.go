// Command forumd runs the forum's database access layer with its operational
// HTTP surface: probes, Prometheus metrics and admin endpoints for the
// connection pool and circuit breaker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/astroforum/service_layer/internal/config"
	"github.com/astroforum/service_layer/internal/database"
	"github.com/astroforum/service_layer/internal/httpapi"
	"github.com/astroforum/service_layer/internal/logging"
	"github.com/astroforum/service_layer/internal/metrics"
	"github.com/astroforum/service_layer/internal/middleware"
	"github.com/astroforum/service_layer/internal/store"
	"github.com/astroforum/service_layer/internal/store/libsql"
	"github.com/astroforum/service_layer/internal/store/sqlstore"
)

const metricsNamespace = "forum"

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "forumd: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("forumd stopped")
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer, closeDialer, err := newDialer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDialer()

	m := metrics.New(metricsNamespace)

	db, err := database.Open(ctx, cfg.Tuning.Database, dialer,
		database.WithLogger(logger),
		database.WithObserver(metrics.DatabaseObserver(m)),
	)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	m.MustRegister(metrics.NewDatabaseCollector(metricsNamespace, db))

	maintenance, err := database.NewMaintenance(db, cfg.Tuning.Maintenance, logger)
	if err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	maintenance.Start()

	key, err := tokenKey(cfg)
	if err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.AdminRateLimit, cfg.AdminRateBurst, logger)
	limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)

	auth := middleware.NewAuthMiddleware(key, logger, middleware.AuthOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   30 * time.Second,
	})

	opts := httpapi.Options{
		ServiceName: cfg.ServiceName,
		Logger:      logger,
		Metrics:     m,
		Auth:        auth,
		RateLimiter: limiter,
		RetryAfter:  cfg.Tuning.Database.Pool.AcquireTimeout,
	}
	if cfg.AuditLogFile != "" {
		sink, err := httpapi.NewFileAuditSink(cfg.AuditLogFile)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer sink.Close()
		opts.AuditSink = sink
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(db, opts).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":  cfg.HTTPAddr,
			"store": cfg.StoreKind(),
		}).Info("forumd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	maintenance.Stop(shutdownCtx)

	logger.WithFields(map[string]interface{}{
		"pool": db.Stats().Pool,
	}).Info("forumd stopped")
	return nil
}

// newDialer builds the store transport selected by the database URL.
func newDialer(cfg *config.Config, logger *logging.Logger) (store.Dialer, func(), error) {
	switch cfg.StoreKind() {
	case "postgres":
		d, err := sqlstore.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return d, func() { _ = d.Close() }, nil
	default:
		c, err := libsql.New(libsql.Config{
			URL:       cfg.DatabaseURL,
			AuthToken: cfg.DatabaseAuthToken,
			Retry:     libsql.DefaultRetryConfig(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("libsql client: %w", err)
		}
		return c, func() {
			fields := make(map[string]interface{})
			for k, v := range c.Metrics() {
				fields[k] = v
			}
			logger.WithFields(fields).Info("libsql client totals")
		}, nil
	}
}

// tokenKey returns the admin token verification key: an RSA public key when
// a PEM file is configured, the HMAC secret otherwise.
func tokenKey(cfg *config.Config) (interface{}, error) {
	if cfg.JWTPublicKeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.JWTPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read JWT public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse JWT public key: %w", err)
		}
		return key, nil
	}
	return []byte(cfg.JWTSecret), nil
}
