// ABOUTME: Gateway orchestrator that wires store, auth, registry, relay and HTTP server
// ABOUTME: Listens on TCP or on a tailnet via tsnet and shuts every session down with 1001

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/jarvis-gateway/internal/auth"
	"github.com/2389/jarvis-gateway/internal/config"
	"github.com/2389/jarvis-gateway/internal/conversation"
	"github.com/2389/jarvis-gateway/internal/inference"
	"github.com/2389/jarvis-gateway/internal/metrics"
	"github.com/2389/jarvis-gateway/internal/session"
	"github.com/2389/jarvis-gateway/internal/store"
)

// Gateway orchestrates the jarvis-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	validator   *auth.JWTValidator
	authn       *auth.Authenticator
	registry    *session.Registry
	broadcaster *conversation.Broadcaster
	relay       *conversation.Relay
	chat        *conversation.Service
	handshake   *Handshake
	metrics     *metrics.Metrics
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New creates a Gateway from cfg, opening the configured store and engine.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	engine, err := inference.New(cfg.Inference, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initializing inference engine: %w", err)
	}

	gw, err := newGateway(cfg, s, engine, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires a Gateway over an already opened store and engine.
func newGateway(cfg *config.Config, s store.Store, engine inference.Engine, logger *slog.Logger) (*Gateway, error) {
	validator, err := auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating token validator: %w", err)
	}

	m := metrics.New()
	authn := auth.NewAuthenticator(validator, auth.NewIdentityResolver(s), cfg.Auth.CookieName)
	registry := session.NewRegistry(logger, m)
	broadcaster := conversation.NewBroadcaster(registry, cfg.Gateway.BroadcastConcurrency, cfg.Gateway.WriteTimeout, logger, m)
	relay := conversation.NewRelay(engine, s, logger, m)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		validator:   validator,
		authn:       authn,
		registry:    registry,
		broadcaster: broadcaster,
		relay:       relay,
		chat:        conversation.NewService(s, engine, logger),
		metrics:     m,
		logger:      logger.With("component", "gateway"),
	}
	gw.handshake = NewHandshake(HandshakeConfig{
		Authenticator:  authn,
		Registry:       registry,
		Broadcaster:    broadcaster,
		Relay:          relay,
		Users:          s,
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		ReadLimit:      cfg.Gateway.ReadLimit,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		CloseTimeout:   cfg.Gateway.CloseTimeout,
	})

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP handler serving every endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry returns the live connection registry.
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

// Run starts the HTTP server and blocks until ctx is canceled or the server
// fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The original context is already canceled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the HTTP listener on TCP or on the tailnet.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "jarvis-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or on :443
// with tailnet certificates when tailscale.https is set.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if !tsCfg.HTTPS {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// logTailscaleStatus logs info about the tailscale node status.
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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown closes every session with 1001, stops the HTTP server and
// releases the tailnet node and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	// Hijacked websocket connections are not tracked by http.Server.
	g.registry.CloseAll(session.CloseGoingAway, "server shutting down")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	// Sessions that finished their handshake while the listener was closing.
	g.registry.CloseAll(session.CloseGoingAway, "server shutting down")
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
