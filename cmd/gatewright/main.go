// Command gatewright runs the release gate service: policy decisions,
// attestation ledger, rollout control and evidence export behind one HTTP
// API.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatewright/gatewright/pkg/api"
	"github.com/gatewright/gatewright/pkg/auth"
	"github.com/gatewright/gatewright/pkg/cache"
	"github.com/gatewright/gatewright/pkg/config"
	"github.com/gatewright/gatewright/pkg/crypto"
	"github.com/gatewright/gatewright/pkg/evidence"
	"github.com/gatewright/gatewright/pkg/ledger"
	"github.com/gatewright/gatewright/pkg/observability"
	"github.com/gatewright/gatewright/pkg/policy"
	"github.com/gatewright/gatewright/pkg/rollout"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gatewright exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Setup(ctx, observability.Config{
		ServiceName:    "gatewright",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTLPEnabled,
		Insecure:       cfg.Environment == "development",
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	led := ledger.New(store)
	var chains evidence.ChainReader = led
	if cfg.RedisAddr != "" {
		rc := cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), 10*time.Minute)
		if err := rc.Ping(ctx); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
		}
		led = led.WithInvalidator(rc)
		chains = cache.NewCachedChains(led, rc)
		slog.Info("chain cache enabled", "addr", cfg.RedisAddr)
	}

	appender := ledger.NewRetryingAppender(led, 5, 100*time.Millisecond, 5*time.Second, nil)
	writer := ledger.NewWriter(led, appender, signer)

	engine := policy.NewEngine()
	policies := policy.NewStore()
	manager := rollout.NewManager(engine, writer, rollout.Config{Tick: cfg.RolloutTick})

	sink, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}
	exporter := evidence.NewExporter(led, signer)

	srv := api.NewServer(api.ServerConfig{
		Engine:   engine,
		Policies: policies,
		Domain:   cfg.PolicyDomain,
		Ledger:   led,
		Chains:   chains,
		Writer:   writer,
		Rollouts: manager,
		Exporter: exporter,
		Sink:     sink,
		RunCtx:   ctx,
	})

	validator := auth.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if validator == nil {
		slog.Warn("JWT_SECRET not set, all protected endpoints will reject requests")
	}
	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Stop()

	handler := limiter.Middleware(auth.Middleware(validator)(srv.Routes()))

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gatewright listening", "port", cfg.Port, "domain", cfg.PolicyDomain)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	manager.Wait()
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func buildSigner(cfg *config.Config) (crypto.Signer, error) {
	if cfg.SigningKeySeed == "" {
		slog.Warn("SIGNING_KEY_SEED not set, using an ephemeral key: attestations will not survive a restart")
		return crypto.NewEd25519Signer(cfg.SigningKeyID)
	}
	seed, err := hex.DecodeString(cfg.SigningKeySeed)
	if err != nil {
		return nil, fmt.Errorf("SIGNING_KEY_SEED is not valid hex: %w", err)
	}
	return crypto.NewEd25519SignerFromSeed(seed, cfg.SigningKeyID)
}

func buildStore(cfg *config.Config) (ledger.Store, error) {
	if cfg.DatabaseURL != "" {
		store, err := ledger.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		slog.Info("ledger store", "backend", "postgres")
		return store, nil
	}
	store, err := ledger.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger at %s: %w", cfg.SQLitePath, err)
	}
	slog.Info("ledger store", "backend", "sqlite", "path", cfg.SQLitePath)
	return store, nil
}

func buildSink(ctx context.Context, cfg *config.Config) (evidence.Sink, error) {
	if cfg.S3Bucket != "" {
		sink, err := evidence.NewS3Sink(ctx, evidence.S3SinkConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   "bundles/",
		})
		if err != nil {
			return nil, err
		}
		slog.Info("evidence sink", "backend", "s3", "bucket", cfg.S3Bucket)
		return sink, nil
	}
	sink, err := evidence.NewFSSink(cfg.EvidenceDir)
	if err != nil {
		return nil, err
	}
	slog.Info("evidence sink", "backend", "filesystem", "dir", cfg.EvidenceDir)
	return sink, nil
}
