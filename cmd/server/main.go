// server runs the device session HTTP API and the gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"device-session-control/internal/audit"
	"device-session-control/internal/config"
	"device-session-control/internal/db"
	"device-session-control/internal/db/migrate"
	healthhandler "device-session-control/internal/health/handler"
	"device-session-control/internal/logging"
	"device-session-control/internal/metrics"
	"device-session-control/internal/policy/engine"
	"device-session-control/internal/security"
	"device-session-control/internal/server"
	"device-session-control/internal/server/middleware"
	"device-session-control/internal/session/repository"
	"device-session-control/internal/session/service"
	"device-session-control/internal/telemetry"
	otelsetup "device-session-control/internal/telemetry/otel"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	serviceName     = "device-session-control"
	shutdownTimeout = 10 * time.Second
	healthInterval  = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Options{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.OTLPSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			log.Warn("telemetry.shutdown", "error", err)
		}
	}()

	m := metrics.New()

	keys, err := keyResolver(cfg, m)
	if err != nil {
		return err
	}
	verifier := security.NewVerifier(keys, cfg.Issuer(), cfg.Auth0Audience,
		security.WithResultObserver(m.ObserveVerification))

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	policy, err := engine.LoadOPAEvaluator(ctx, cfg.DevicePolicyFile, log)
	if err != nil {
		return fmt.Errorf("device policy: %w", err)
	}

	auditEmitter := telemetry.NewAsyncEmitter(otelsetup.NewEventEmitter(providers.LoggerProvider), log)
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), telemetry.ShutdownDrainDuration)
		defer cancel()
		if err := auditEmitter.Drain(dctx); err != nil {
			log.Warn("telemetry.drain", "error", err)
		}
	}()
	auditLogger := audit.NewLogger(auditEmitter, middleware.ClientIP, log)
	svc := service.NewAdmissionService(repo, cfg.SessionMax,
		service.WithDevicePolicy(policy),
		service.WithAuditLogger(auditLogger),
		service.WithMetrics(m),
		service.WithLogger(log),
	)

	health := healthhandler.NewServer(repo, policy, log)
	go health.Watch(ctx, healthInterval)

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	deps := server.Deps{
		Sessions:       svc,
		Verifier:       verifier,
		Health:         health,
		Metrics:        m,
		TrustedProxies: proxies,
		Logger:         log,
	}
	httpSrv := server.NewHTTPServer(cfg.HTTPAddr, server.NewRouter(deps))

	errCh := make(chan error, 2)
	go func() {
		log.Info("http.listen", "addr", cfg.HTTPAddr, "session_max", svc.SessionMax())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = server.NewGRPCServer(deps)
		go func() {
			log.Info("grpc.listen", "addr", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown.signal")
	case err := <-errCh:
		return err
	}

	health.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := httpSrv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.stopped")
	return nil
}

// keyResolver verifies against a configured static key when JWT_PUBLIC_KEY is set,
// otherwise against the provider's published key set.
func keyResolver(cfg *config.Config, m *metrics.Metrics) (security.KeyResolver, error) {
	if cfg.JWTPublicKey != "" {
		keys, err := security.LoadStaticKeys(cfg.JWTPublicKey, cfg.JWTPublicKeyID)
		if err != nil {
			return nil, fmt.Errorf("JWT_PUBLIC_KEY: %w", err)
		}
		return keys, nil
	}
	cache := security.NewKeyCache(cfg.Issuer(), cfg.JWKSTimeoutDuration(),
		security.WithFetchObserver(m.ObserveJWKSFetch))
	m.TrackKeySetAge(cache.FetchedAt)
	return cache, nil
}

func openRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	kind, err := cfg.StoreKind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case config.StorePostgres:
		pool, err := db.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return repository.NewPostgresRepository(pool), nil
	case config.StoreSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		if err := migrate.UpSQLite(conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("sqlite migrate: %w", err)
		}
		return repository.NewSQLiteRepository(conn), nil
	default:
		return repository.NewMemoryRepository(), nil
	}
}
