// ABOUTME: Gateway orchestrator that coordinates the HTTP and gRPC health servers
// ABOUTME: Owns the agent registry, correlator, durable store, and liveness sweeper lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/auth"
	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/correlate"
	"github.com/2389/coven-fleet/internal/liveness"
	"github.com/2389/coven-fleet/internal/store"
)

// storeTimeout bounds each durable store call made from a session
const storeTimeout = 5 * time.Second

// Gateway orchestrates the fleet-gateway server components.
// It serves the agent WebSocket endpoint and HTTP API, plus an optional gRPC
// health service.
type Gateway struct {
	config     *config.Config
	manager    *agent.Manager
	dispatcher *agent.Dispatcher
	correlator *correlate.Correlator
	store      store.Store
	sweeper    *liveness.Sweeper
	verifier   auth.TokenVerifier
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	// serverID identifies this gateway instance to agents
	serverID string

	// sessions tracks live agent sessions so shutdown can wait for teardown
	sessions sync.WaitGroup
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverRedis:
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		s, err := store.NewRedisStore(ctx, cfg.Database.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("FLEET_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	return newGateway(cfg, s, logger), nil
}

// newGateway wires the components around an already-open store.
func newGateway(cfg *config.Config, s store.Store, logger *slog.Logger) *Gateway {
	manager := agent.NewManager(logger.With("component", "agent-manager"))
	correlator := correlate.New(correlate.Options{
		TTL:             cfg.Commands.ResultTTL,
		CleanupInterval: cfg.Commands.CleanupInterval,
		MaxEntries:      cfg.Commands.MaxEntries,
		Logger:          logger.With("component", "correlator"),
	})

	gw := &Gateway{
		config:     cfg,
		manager:    manager,
		correlator: correlator,
		store:      s,
		logger:     logger.With("component", "gateway"),
		serverID:   cfg.Server.ServerID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks do not apply
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if gw.serverID == "" {
		gw.serverID = generateServerID()
	}

	gw.dispatcher = agent.NewDispatcher(agent.DispatcherConfig{
		Manager:        manager,
		Correlator:     correlator,
		DefaultTimeout: cfg.Agents.DefaultCommandTimeout,
		MaxTimeout:     cfg.Agents.MaxCommandTimeout,
		Logger:         logger.With("component", "dispatcher"),
	})

	gw.sweeper = liveness.NewSweeper(liveness.Config{
		Store:     s,
		Registry:  manager,
		Interval:  cfg.Agents.SweepInterval,
		Threshold: cfg.Agents.StaleThreshold,
		Logger:    logger,
	})

	// A typed nil would make RequireRole enforce auth with a nil verifier
	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		gw.logger.Info("bearer auth enabled for API and agent endpoint")
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.health = health.NewServer()
	gw.grpcServer = createGRPCServer()
	registerHealthService(gw.grpcServer, gw.health)

	return gw
}

// createGRPCServer creates the gRPC server that carries the health service.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// routes builds the HTTP mux. Health endpoints are never authenticated.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	agentAuth := auth.RequireRole(g.verifier, auth.RoleAgent)
	mux.Handle("GET /ws/agent", agentAuth(http.HandlerFunc(g.handleAgentSocket)))

	operatorAuth := auth.RequireRole(g.verifier, auth.RoleOperator)
	mux.Handle("GET /api/agents", operatorAuth(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("GET /api/agents/{id}", operatorAuth(http.HandlerFunc(g.handleGetAgent)))
	mux.Handle("POST /api/agents/{id}/commands", operatorAuth(http.HandlerFunc(g.handleSendCommand)))
	mux.Handle("GET /api/commands/{request_id}", operatorAuth(http.HandlerFunc(g.handleGetCommand)))
	mux.Handle("POST /api/broadcast", operatorAuth(http.HandlerFunc(g.handleBroadcast)))
	mux.Handle("GET /api/stats", operatorAuth(http.HandlerFunc(g.handleStats)))

	return mux
}

// Handler returns the HTTP handler serving the API and agent endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners. The gRPC listener is nil
// when no grpc_addr is configured.
func (g *Gateway) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
		"server_id", g.serverID,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return httpLn, grpcLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the HTTP and (optional) gRPC servers in goroutines.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and background loops and blocks until the
// context is canceled. Returns nil on graceful shutdown, or an error if a
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, grpcListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		g.sweeper.Run(bgCtx)
	}()
	go func() {
		defer bg.Done()
		g.watchHealth(bgCtx, time.Second)
	}()

	errCh := g.startServers(httpListener, grpcListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopBackground()
	bg.Wait()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// waitForSessions blocks until every agent session has torn down or ctx ends.
func (g *Gateway) waitForSessions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for agent sessions: %w", ctx.Err())
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops all gateway servers and releases resources. Agent channels
// are closed first so each session records its offline status before the
// store is closed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked WebSocket connections are not closed by http.Server.Shutdown
	g.manager.CloseAll()
	errs = appendCloseError(errs, "session drain", g.waitForSessions(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.correlator.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// storeContext returns a bounded context for a single store call.
func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return "fleet-gateway-" + uuid.NewString()[:8]
}
