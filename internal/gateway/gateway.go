// ABOUTME: Gateway orchestrator that wires the session engine to its HTTP server
// ABOUTME: Runs recovery before listening, then serves the API until the context ends

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
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-sessions/internal/api"
	"github.com/2389/coven-sessions/internal/auth"
	"github.com/2389/coven-sessions/internal/config"
	"github.com/2389/coven-sessions/internal/conversation"
	"github.com/2389/coven-sessions/internal/dedupe"
	"github.com/2389/coven-sessions/internal/metrics"
	"github.com/2389/coven-sessions/internal/recovery"
	"github.com/2389/coven-sessions/internal/runner"
	"github.com/2389/coven-sessions/internal/store"
)

// DefaultPingInterval is how often an idle stream gets a keepalive comment.
const DefaultPingInterval = 25 * time.Second

// Gateway orchestrates the coven-sessions server components.
type Gateway struct {
	config  *config.Config
	version string
	// fingerprint identifies this build to clients; it changes across
	// restarts of a dev build so open tabs reload.
	fingerprint string

	store    store.Store
	runners  *runner.Registry
	bcast    *conversation.Broadcaster
	registry *conversation.Registry
	service  *conversation.Service
	recovery *recovery.Manager

	// requests replays chat responses for retried request ids
	requests *dedupe.Cache[*api.ChatResponse]
	limiters *limiterPool
	verifier *auth.JWTVerifier

	runnerConn  *grpc.ClientConn
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	ready        atomic.Bool
	pingInterval time.Duration
	logger       *slog.Logger
}

// Option customises a Gateway built by New.
type Option func(*options)

type options struct {
	store        store.Store
	runners      *runner.Registry
	pingInterval time.Duration
}

// WithStore uses st instead of opening database.path.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithRunners uses r instead of building runners from the runner config.
func WithRunners(r *runner.Registry) Option {
	return func(o *options) { o.runners = r }
}

// WithPingInterval overrides DefaultPingInterval.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.pingInterval = d }
}

// Fingerprint derives the build fingerprint served to clients. A dev build
// gets a fresh nonce per process since its version string never changes.
func Fingerprint(version string) string {
	if version == "" || version == "dev" {
		return "dev-" + uuid.New().String()[:8]
	}
	return version
}

// initStore opens the SQLite store named by config, or COVEN_SESSIONS_DB.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_SESSIONS_DB"); envPath != "" {
		dbPath = envPath
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, version string, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		config:       cfg,
		version:      version,
		fingerprint:  Fingerprint(version),
		pingInterval: DefaultPingInterval,
		logger:       logger.With("component", "gateway"),
	}
	if o.pingInterval > 0 {
		g.pingInterval = o.pingInterval
	}

	g.store = o.store
	if g.store == nil {
		s, err := initStore(cfg)
		if err != nil {
			return nil, err
		}
		g.store = s
	}

	g.runners = o.runners
	if g.runners == nil {
		runners, conn, err := buildRunners(cfg.Runner, logger)
		if err != nil {
			_ = g.store.Close()
			return nil, err
		}
		g.runners, g.runnerConn = runners, conn
	}

	sess := cfg.Sessions
	g.bcast = conversation.NewBroadcaster(g.store, sess.SubscriberBuffer, logger)
	g.registry = conversation.NewRegistry(g.store, g.runners, g.bcast, conversation.ManagerConfig{
		CancelTimeout: sess.CancelTimeout,
		AppendRetries: sess.AppendRetries,
	}, logger)
	g.service = conversation.New(g.store, g.registry, g.bcast, g.runners, logger)
	g.recovery = recovery.New(g.store, g.service, recovery.Config{
		PageSize:    sess.RecoveryPageSize,
		Concurrency: sess.RecoveryConcurrency,
	}, logger)

	g.requests = dedupe.New[*api.ChatResponse](10*time.Minute, 10_000)
	g.limiters = newLimiterPool(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Handler returns the full HTTP handler: health, version, metrics and the API.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /ready", g.handleReady)
	mux.HandleFunc("GET /version", g.handleVersion)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, metrics.Handler())
	}

	apiMux := http.NewServeMux()
	g.registerAPIRoutes(apiMux)
	if g.verifier != nil {
		mux.Handle("/api/", auth.HTTPAuthMiddleware(g.verifier, auth.StreamRoutes, g.logger)(apiMux))
	} else {
		mux.Handle("/api/", apiMux)
	}
	return mux
}

// Recover repairs conversations interrupted by the previous process and
// marks the gateway ready. Run calls it before opening listeners.
func (g *Gateway) Recover(ctx context.Context) (*recovery.Report, error) {
	report, err := g.recovery.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovering conversations: %w", err)
	}
	g.ready.Store(true)
	return report, nil
}

// Service exposes the conversation service, for in-process callers.
func (g *Gateway) Service() *conversation.Service {
	return g.service
}

// BuildFingerprint is the fingerprint this process sends to clients.
func (g *Gateway) BuildFingerprint() string {
	return g.fingerprint
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run recovers interrupted conversations, starts the HTTP server and blocks
// until the context is canceled. Returns nil on graceful shutdown, or an
// error if recovery or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	report, err := g.Recover(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}
	g.logger.Info("recovery complete",
		"scanned", report.Scanned,
		"interrupted", report.Interrupted,
		"repaired", report.Repaired,
		"failed", report.Failed,
		"duration", report.Duration)

	janitorCtx, stopJanitors := context.WithCancel(ctx)
	defer stopJanitors()
	interval, idle := g.config.Sessions.CleanupInterval, g.config.Sessions.IdleTimeout
	go g.registry.RunJanitor(janitorCtx, interval, idle)
	go g.limiters.run(janitorCtx, interval, idle)

	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "build", g.fingerprint)
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

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled by the time this is called.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Sessions.CancelTimeout+5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "coven-sessions", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
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

// setupTailscaleListener starts a tsnet node and listens on its port 80.
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

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
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

// Shutdown stops the HTTP server, leaves in-flight agent work for the next
// process to recover, and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)

	var errs []error
	// Open streams never finish on their own; closing the broadcaster ends them.
	g.bcast.Close()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.registry.Shutdown(ctx)
	g.recovery.Wait()

	if g.runnerConn != nil {
		errs = appendCloseError(errs, "runner connection close", g.runnerConn.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.requests.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once recovery has finished.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("recovering"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active, %d working)", g.registry.Len(), len(g.registry.Working()))
}

func (g *Gateway) handleVersion(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, api.VersionResponse{Version: g.version, BuildFingerprint: g.fingerprint})
}
