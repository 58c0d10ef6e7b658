// ABOUTME: Gateway orchestrator that coordinates the relay controller with gRPC and HTTP servers
// ABOUTME: Manages the store, transition observers, listeners and shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/broadcast"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/slack"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/zulip"
)

// Tailnet ports used when tailscale is enabled.
const (
	tailscaleGRPCPort = ":50051"
	tailscaleHTTPPort = ":80"
)

// Gateway orchestrates the coven-relay server components.
// It owns the relay controller and exposes it over HTTP, with gRPC health.
type Gateway struct {
	config      *config.Config
	store       store.Store
	controller  *relay.Controller
	broadcaster *broadcast.Broadcaster
	journal     *journal
	health      *health.Server
	verifier    auth.TokenVerifier
	dedupe      *dedupe.Cache
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// ctx outlives individual requests; sessions started over HTTP run under it.
	ctx    context.Context
	cancel context.CancelFunc
}

// collaborators are the relay's outside world. Tests substitute fakes.
type collaborators struct {
	negotiator relay.Negotiator
	dialer     relay.Dialer
	poller     relay.Poller
	sink       relay.Sink
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildCollaborators wires the backend, Zulip and Slack clients per negotiation mode.
func buildCollaborators(cfg *config.Config, logger *slog.Logger) collaborators {
	httpClient := &http.Client{}

	be := backend.NewClient(cfg.Backend.URL, cfg.Backend.Token, backend.Paths{
		RegisterSocket: cfg.Backend.RegisterSocketPath,
		RegisterQueue:  cfg.Backend.RegisterQueuePath,
		SlackEvents:    cfg.Backend.SlackEventsPath,
		ZulipEvents:    cfg.Backend.ZulipEventsPath,
	}, httpClient)
	zc := zulip.NewClient(cfg.Zulip.Site, cfg.Zulip.Email, cfg.Zulip.APIKey, cfg.Zulip.Stream, httpClient)

	var negotiator relay.Negotiator = be
	if cfg.Negotiation.Mode == config.NegotiationDirect {
		negotiator = &directNegotiator{
			slack: slack.NewClient(cfg.Slack.APIURL, cfg.Slack.AppToken, httpClient),
			zulip: zc,
		}
		logger.Info("negotiating handles directly with slack and zulip")
	} else {
		logger.Info("negotiating handles through the backend", "backend_url", cfg.Backend.URL)
	}

	return collaborators{
		negotiator: negotiator,
		dialer:     &slack.Dialer{},
		poller:     zc,
		sink:       be,
	}
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, s, buildCollaborators(cfg, logger), logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway assembles the gateway around an open store and relay collaborators.
func newGateway(cfg *config.Config, s store.Store, c collaborators, logger *slog.Logger) (*Gateway, error) {
	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
		logger.Info("HTTP auth middleware enabled")
	} else {
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	healthServer := newHealthServer()
	broadcaster := broadcast.New(logger)
	j := newJournal(s, logger)
	dedupeCache := dedupe.New(cfg.Relay.DedupeTTL, cfg.Relay.DedupeSize)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		broadcaster: broadcaster,
		journal:     j,
		health:      healthServer,
		verifier:    verifier,
		dedupe:      dedupeCache,
		logger:      logger.With("component", "gateway"),
		ctx:         ctx,
		cancel:      cancel,
	}

	gw.controller = relay.NewController(relay.Config{
		Negotiator:       c.negotiator,
		Dialer:           c.dialer,
		Poller:           c.poller,
		Sink:             c.sink,
		Dedupe:           dedupeCache,
		Observer:         observers{j, broadcaster, healthReporter{healthServer}},
		Logger:           logger.With("component", "relay"),
		NegotiateTimeout: cfg.Relay.NegotiateTimeout,
		PollTimeout:      cfg.Relay.PollTimeout,
		ForwardTimeout:   cfg.Relay.ForwardTimeout,
		RetryInterval:    cfg.Relay.RetryInterval,
	})

	gw.grpcServer = newGRPCServer(healthServer)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Controller returns the relay controller.
func (g *Gateway) Controller() *relay.Controller {
	return g.controller
}

// setupTCPListeners creates TCP listeners for gRPC and HTTP servers.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates network listeners based on configuration.
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers launches gRPC and HTTP servers in background goroutines.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the servers and, when autoStart is set, the first relay session.
// It blocks until ctx is cancelled or a server fails.
func (g *Gateway) Run(ctx context.Context, autoStart bool) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)

	if autoStart {
		if _, err := g.controller.Start(g.ctx); err != nil {
			g.logger.Error("initial session failed to start", "error", err)
		}
	}

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the configured state dir or a default under ~/.local/share.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY env var.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet node and listens for gRPC and HTTP on the tailnet.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", tailscaleHTTPPort)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs the tailscale node's IP and DNS name.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the relay session, then the servers, then releases resources.
// The journal is drained before the store closes so the final transitions persist.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "relay shutdown", g.controller.Shutdown(ctx))
	g.cancel()

	// Ends open SSE streams so the HTTP server can drain.
	g.broadcaster.Close()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.journal.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
