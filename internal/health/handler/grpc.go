package handler

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the overall ("") status.
const ServiceName = "sessions"

const checkTimeout = 2 * time.Second

// Pinger checks the session store (e.g. repository.Repository).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker checks the device policy (e.g. the OPA evaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server reports readiness over grpc.health.v1 and HTTP. Readiness means the store answers a
// ping and the device policy evaluates.
type Server struct {
	pinger  Pinger
	policy  PolicyChecker
	grpc    *health.Server
	log     *slog.Logger
	timeout time.Duration
}

// NewServer returns a health Server. pinger and policy may be nil; nil checks are skipped.
// The gRPC status starts as NOT_SERVING until the first Update.
func NewServer(pinger Pinger, policy PolicyChecker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		pinger:  pinger,
		policy:  policy,
		grpc:    health.NewServer(),
		log:     log,
		timeout: checkTimeout,
	}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register exposes grpc.health.v1.Health on s.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(r, s.grpc)
}

// Check runs the readiness checks once.
func (s *Server) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			return err
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Update runs Check and publishes the result to the gRPC health service.
func (s *Server) Update(ctx context.Context) error {
	err := s.Check(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "health.check", "error", err)
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Watch calls Update every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	_ = s.Update(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = s.Update(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING so load balancers drain before the listener closes.
func (s *Server) Shutdown() {
	s.grpc.Shutdown()
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.grpc.SetServingStatus("", st)
	s.grpc.SetServingStatus(ServiceName, st)
}
