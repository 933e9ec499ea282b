// Package server hosts the messaging HTTP/WebSocket process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/meetgrid/messaging/internal/auth"
	"github.com/meetgrid/messaging/internal/chatsession"
	"github.com/meetgrid/messaging/internal/platform/timeouts"
	"github.com/meetgrid/messaging/internal/realtime"
	"github.com/meetgrid/messaging/internal/storage/sqlite"
	"github.com/meetgrid/messaging/internal/telemetry"
)

// Config defines the inputs for the messaging transport boundary.
type Config struct {
	HTTPAddr          string
	GRPCHealthAddr    string
	DBPath            string
	TokenSecret       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the messaging HTTP/WebSocket process plus a gRPC health
// listener for platform liveness probes. Realtime state lives in process;
// messages and chat sessions persist through the SQLite store.
type Server struct {
	httpAddr        string
	healthAddr      string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	healthServer    *grpc.Server
	store           *sqlite.Store
	dispatcher      *realtime.Dispatcher
}

// NewServer builds a configured messaging server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	dbPath := strings.TrimSpace(config.DBPath)
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}

	var verifier *auth.Verifier
	if strings.TrimSpace(config.TokenSecret) != "" {
		verifier, err = auth.NewVerifier(config.TokenSecret)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init token verifier: %w", err)
		}
	} else {
		log.Printf("messaging: no token secret configured, websocket and api auth disabled")
	}

	resolver := chatsession.NewResolver(store)
	emitter := telemetry.NewEmitter(store)
	dispatcher := realtime.NewDispatcher(realtime.NewRegistry(), realtime.NewMembership(), store, resolver, emitter)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(dispatcher, resolver, store, verifier),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	var healthServer *grpc.Server
	healthAddr := strings.TrimSpace(config.GRPCHealthAddr)
	if healthAddr != "" {
		healthServer = grpc.NewServer()
		probe := health.NewServer()
		probe.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(healthServer, probe)
	}

	return &Server{
		httpAddr:        httpAddr,
		healthAddr:      healthAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		healthServer:    healthServer,
		store:           store,
		dispatcher:      dispatcher,
	}, nil
}

// Run creates and serves a messaging server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init messaging server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve messaging: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, and the gRPC health listener when
// configured, until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("messaging server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("messaging server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	if s.healthServer != nil {
		listener, err := net.Listen("tcp", s.healthAddr)
		if err != nil {
			return fmt.Errorf("listen grpc health %s: %w", s.healthAddr, err)
		}
		log.Printf("messaging health server listening on %s", s.healthAddr)
		go func() {
			if err := s.healthServer.Serve(listener); err != nil {
				log.Printf("messaging: grpc health serve: %v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.healthServer != nil {
		s.healthServer.GracefulStop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close message store: %v", err)
		}
	}
}
