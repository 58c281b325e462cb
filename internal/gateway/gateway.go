// ABOUTME: Gateway orchestrator that owns node connections, routing state and the HTTP server
// ABOUTME: Manages listeners (TCP or tailnet), background loops and graceful shutdown

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
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/breaker"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/conversation"
	"github.com/2389/fleet-gateway/internal/dedupe"
	"github.com/2389/fleet-gateway/internal/delivery"
	"github.com/2389/fleet-gateway/internal/metrics"
	"github.com/2389/fleet-gateway/internal/registry"
	"github.com/2389/fleet-gateway/internal/store"
)

const (
	// registerTimeout is how long a new socket has to send node.register.
	registerTimeout = 10 * time.Second

	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 100000
)

// Options carries optional collaborators. Nil fields are built from the
// configuration.
type Options struct {
	Store    store.Store
	Verifier auth.Verifier
	Metrics  *metrics.Metrics
	// Now overrides the clock used for sessions, bindings and deliveries.
	Now func() time.Time
}

// Gateway orchestrates node connections and message delivery.
type Gateway struct {
	config *config.Config
	logger *slog.Logger
	now    func() time.Time

	registry      *registry.Registry
	conversations *conversation.Store
	results       *conversation.Broadcaster
	tracker       *delivery.Tracker
	breakers      *breaker.Set
	dedupe        *dedupe.Cache
	store         store.Store
	verifier      auth.Verifier
	apiAuth       auth.TokenVerifier
	metrics       *metrics.Metrics

	upgrader    websocket.Upgrader
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// mu guards nodes, hot and resultHandlers
	mu             sync.RWMutex
	nodes          map[string]*nodeConn
	hot            config.HotSettings
	resultHandlers []func(conversation.Result)

	// sockets counts accepted WebSocket requests, registered or not
	sockets     atomic.Int64
	healthReset chan time.Duration
}

// New creates a gateway from cfg. It opens the configured database unless
// opts supplies a store.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := opts.Store
	if s == nil {
		var err error
		s, err = initStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	verifier := opts.Verifier
	if verifier == nil {
		verifier = buildVerifier(cfg, logger)
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	g := &Gateway{
		config:   cfg,
		logger:   logger,
		now:      now,
		registry: registry.New(logger),
		conversations: conversation.NewStore(conversation.Options{
			MaxConversations: cfg.Gateway.MaxConversations,
			TTL:              cfg.Gateway.ConversationTTL,
		}, logger),
		results:  conversation.NewBroadcaster(logger),
		tracker:  delivery.NewTracker(),
		breakers: breaker.NewSet(breaker.Options{Threshold: cfg.Breaker.Threshold, Cooldown: cfg.Breaker.Cooldown, Now: now}),
		dedupe:   dedupe.New(dedupeTTL, dedupeMaxSize),
		store:    s,
		verifier: verifier,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Nodes are not browsers; authentication happens in the handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		nodes:       make(map[string]*nodeConn),
		hot:         cfg.Hot(),
		healthReset: make(chan time.Duration, 1),
	}

	if cfg.Auth.JWTSecret != "" {
		g.apiAuth = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	g.conversations.OnCapacityWarning(func(w conversation.CapacityWarning) {
		g.metrics.CapacityWarnings.Inc()
	})

	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// initStore opens the SQLite database named in cfg.
func initStore(cfg *config.Config) (store.Store, error) {
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

// buildVerifier chains the control API and JWT verifiers that cfg enables.
// With neither configured every node is accepted.
func buildVerifier(cfg *config.Config, logger *slog.Logger) auth.Verifier {
	var chain auth.Chain
	if cfg.ControlAPI.URL != "" {
		chain = append(chain, auth.NewControlAPIVerifier(auth.ControlAPIParams{
			URL:     cfg.ControlAPI.URL,
			Key:     cfg.ControlAPI.Key,
			Timeout: cfg.ControlAPI.Timeout,
			Logger:  logger,
		}))
	}
	if cfg.Auth.JWTSecret != "" {
		chain = append(chain, auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)))
	}
	if len(chain) == 0 {
		logger.Warn("no control_api.url or auth.jwt_secret configured, accepting every node")
		return auth.AllowAll{}
	}
	return chain
}

// Handler returns the gateway's HTTP handler, for embedding or tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry exposes the node registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Conversations exposes the conversation store.
func (g *Gateway) Conversations() *conversation.Store {
	return g.conversations
}

// Tracker exposes the delivery tracker.
func (g *Gateway) Tracker() *delivery.Tracker {
	return g.tracker
}

// OnResult registers a handler called for every task.result a node reports.
func (g *Gateway) OnResult(fn func(conversation.Result)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resultHandlers = append(g.resultHandlers, fn)
}

func (g *Gateway) hotSettings() config.HotSettings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hot
}

func (g *Gateway) conn(nodeID string) (*nodeConn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.nodes[nodeID]
	return c, ok
}

func (g *Gateway) conns() []*nodeConn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*nodeConn, 0, len(g.nodes))
	for _, c := range g.nodes {
		out = append(out, c)
	}
	return out
}

// Run restores pending deliveries, starts the HTTP server and background
// loops, and blocks until ctx is cancelled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.restorePending(ctx)

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error { g.drainLoop(egCtx); return nil })
	eg.Go(func() error { g.healthLoop(egCtx); return nil })
	eg.Go(func() error { g.snapshotLoop(egCtx); return nil })
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}

	addr := g.config.Server.Addr()
	g.logger.Info("starting gateway", "addr", addr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "fleet-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on the configured port there.
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

	ln, err := g.tsnetServer.Listen("tcp", fmt.Sprintf(":%d", g.config.Server.Port))
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
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

// Shutdown stops the HTTP server, closes every node socket, writes a final
// snapshot and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	for _, c := range g.conns() {
		c.close("gateway shutting down")
	}

	errs = appendCloseError(errs, "final snapshot", g.saveSnapshot(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.dedupe.Close()
	g.results.Close()

	return errors.Join(errs...)
}
