package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dhirmadi/mwapserver-sub005/internal/audit"
	"github.com/dhirmadi/mwapserver-sub005/internal/auth"
	"github.com/dhirmadi/mwapserver-sub005/internal/config"
	"github.com/dhirmadi/mwapserver-sub005/internal/httpserver"
	"github.com/dhirmadi/mwapserver-sub005/internal/oauthcore"
	"github.com/dhirmadi/mwapserver-sub005/internal/platform"
	"github.com/dhirmadi/mwapserver-sub005/internal/telemetry"
)

// Run is the main application entry point: it reads config, connects to
// infrastructure, and starts the mode-appropriate loop (api, worker, or
// migrate).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting mwapoauth",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
		"node_env", cfg.NodeEnv,
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if cfg.Mode == "migrate" {
		if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
			return fmt.Errorf("running global migrations: %w", err)
		}
		logger.Info("global migrations applied")
		return nil
	}

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, logger, db)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	rootKey, err := decodeKey(cfg.EncryptionKeyBase64, "OAUTH_ENCRYPTION_KEY")
	if err != nil {
		return err
	}
	encryptors, err := oauthcore.NewEncryptors(rootKey)
	if err != nil {
		return fmt.Errorf("deriving encryptors: %w", err)
	}

	signingKey, err := decodeKey(cfg.StateSigningKeyBase64, "OAUTH_STATE_SIGNING_KEY")
	if err != nil {
		return err
	}
	signer, err := oauthcore.NewStateSigner(signingKey, cfg.StateTTL)
	if err != nil {
		return fmt.Errorf("creating state signer: %w", err)
	}

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	monitor := oauthcore.NewMonitor(oauthcore.MonitorConfig{
		Window:            cfg.MonitoringWindow,
		FailureRateMin:    cfg.MonitoringFailureRateMed,
		FailureRateHigh:   cfg.MonitoringFailureRateHigh,
		RapidAttempts:     cfg.MonitoringRapidAttempts,
		RapidAttemptsHi:   cfg.MonitoringRapidAttemptsHi,
		IPAbuse:           cfg.MonitoringIPAbuse,
		IPAbuseCritical:   cfg.MonitoringIPAbuseCritical,
		AttemptRetention:  cfg.MonitoringAttemptRetention,
		PatternRetention:  cfg.MonitoringPatternRetention,
		AlertRetention:    cfg.MonitoringAlertRetention,
		EvictionInterval:  cfg.MonitoringEvictionInterval,
		MaxAttemptsPerKey: 1000,
	}, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	integrations := oauthcore.NewPostgresIntegrationStore(db, encryptors.AccessToken, encryptors.RefreshToken)
	providers := oauthcore.NewProviderCatalog(db)

	redirectPolicy := oauthcore.RedirectURIPolicy{
		AllowedHosts: cfg.AllowedRedirectHosts(),
		Production:   cfg.IsProduction(),
	}

	httpClient := &http.Client{Timeout: cfg.TokenEndpointTimeout}

	handler := oauthcore.NewHandler(
		logger,
		auditWriter,
		integrations,
		providers,
		encryptors,
		signer,
		monitor,
		httpClient,
		redirectPolicy,
		cfg.StateTTL,
		cfg.TokenEndpointTimeout,
	)

	callbackLimiter := auth.NewRateLimiter(rdb, "oauth:callback", cfg.CallbackRateLimitMax, cfg.CallbackRateLimitWindow)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg)

	oauthcore.Mount(srv, handler, callbackLimiter)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker is the entry point for "worker" mode. The in-memory security
// monitor lives inside the api process (its state isn't shareable across
// processes), so today this mode only keeps the container alive for
// deployments that run migrations then want a long-lived, HTTP-less
// process; it's a placeholder for future out-of-band jobs (token
// pre-refresh sweeps, stale-flow cleanup) that do belong in a separate
// process.
func runWorker(ctx context.Context, logger *slog.Logger, db *pgxpool.Pool) error {
	logger.Info("worker started")
	<-ctx.Done()
	logger.Info("worker stopped")
	return nil
}

// decodeKey base64-decodes a configured key, failing loudly rather than
// silently deriving cryptographic material from an empty or malformed
// secret.
func decodeKey(encoded, envVar string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%s must be set (base64-encoded key material)", envVar)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", envVar, err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("%s must decode to at least 32 bytes, got %d", envVar, len(key))
	}
	return key, nil
}
