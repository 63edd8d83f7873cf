// Package server assembles the HTTP API and the gRPC health endpoint.
package server

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	healthhandler "device-session-control/internal/health/handler"
	"device-session-control/internal/metrics"
	"device-session-control/internal/server/middleware"
	sessionhandler "device-session-control/internal/session/handler"
)

// Deps holds the components the servers route to.
type Deps struct {
	// Sessions serves the /sessions routes and /me.
	Sessions sessionhandler.SessionService
	// Verifier authenticates bearer tokens on every session route.
	Verifier middleware.TokenVerifier
	// Health answers /health, /ready and grpc.health.v1. If nil, readiness always reports ready.
	Health *healthhandler.Server
	// Metrics is exposed on /metrics and records request latency. If nil, /metrics is not mounted.
	Metrics *metrics.Metrics
	// TrustedProxies are the peers whose forwarded-for headers name the client.
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
}

// NewRouter returns the HTTP API handler.
//
// Route → handler mapping:
//   - POST /sessions/{login,heartbeat,evict,logout,revoke_all}, GET /sessions/active, GET /me → internal/session/handler
//   - GET /health, GET /ready → internal/health/handler
//   - GET /metrics → internal/metrics
func NewRouter(deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	health := deps.Health
	if health == nil {
		health = healthhandler.NewServer(nil, nil, log)
	}

	mux := http.NewServeMux()
	sessionhandler.NewHandler(deps.Sessions, log).Register(mux, middleware.Authenticate(deps.Verifier, log))
	health.RegisterHTTP(mux)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	var obs middleware.RequestObserver
	if deps.Metrics != nil {
		obs = deps.Metrics
	}
	return middleware.TrackClientIP(middleware.WithRequestLogging(mux, log, obs), deps.TrustedProxies)
}

// NewHTTPServer wraps h in an http.Server with conservative timeouts.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewGRPCServer returns a gRPC server traced with otelgrpc and carrying the registered services.
func NewGRPCServer(deps Deps) *grpc.Server {
	s := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers the gRPC services with s. Only grpc.health.v1 is served over gRPC;
// the session API is HTTP.
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	if deps.Health != nil {
		deps.Health.Register(s)
	}
}
