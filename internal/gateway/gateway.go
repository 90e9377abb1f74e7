// ABOUTME: Gateway orchestrator that owns the HTTP server, socket registry and rooms
// ABOUTME: Wires store, dispatcher and multiplexer together and manages their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/convo-gateway/internal/auth"
	"github.com/2389/convo-gateway/internal/config"
	"github.com/2389/convo-gateway/internal/conversation"
	"github.com/2389/convo-gateway/internal/dedupe"
	"github.com/2389/convo-gateway/internal/room"
	"github.com/2389/convo-gateway/internal/store"
)

// Gateway orchestrates the convo-gateway server components.
// It serves the socket endpoint, the fallback HTTP API and health checks
// from a single HTTP server.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	rooms        *room.Multiplexer
	conns        *registry
	sequencer    *sequencer
	metrics      *metrics
	upgrader     websocket.Upgrader
	httpServer   *http.Server
	logger       *slog.Logger

	// dedupe remembers clientMessageIds so retried sends are not persisted twice
	dedupe *dedupe.Cache

	// verifier is nil when auth is disabled
	verifier auth.TokenVerifier

	// baseCtx parents every dispatch, so a persist outlives the connection
	// that started it. It is canceled only when shutdown gives up waiting.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	dispatchWG sync.WaitGroup

	// closing stops new dispatches once shutdown starts draining
	dispatchMu sync.Mutex
	closing    bool
}

// initStore creates the store selected by database.driver.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMongo:
		s, err := store.NewMongoStore(ctx, cfg.Database.MongoURI, cfg.Database.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("initializing mongo store: %w", err)
		}
		return s, nil
	case config.DriverSQLite, "":
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// New creates a Gateway backed by the store named in cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gw, err := newGateway(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires a Gateway around an already open store. The gateway takes
// ownership of s and closes it on Shutdown.
func newGateway(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dedupeCache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)
	baseCtx, cancelBase := context.WithCancel(context.Background())

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: conversation.New(s, dedupeCache, logger),
		rooms:        room.New(logger),
		conns:        newRegistry(),
		sequencer:    newSequencer(),
		metrics:      newMetrics(),
		logger:       logger.With("component", "gateway"),
		dedupe:       dedupeCache,
		baseCtx:      baseCtx,
		cancelBase:   cancelBase,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.Gateway.AllowedOrigins),
		},
	}

	if cfg.AuthEnabled() {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			cancelBase()
			dedupeCache.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
		gw.logger.Info("auth enabled for sockets and API")
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured, senderId is trusted as sent")
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, gw.metrics.handler())
		gw.logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	// Socket and API - auth required if JWT secret is configured
	requireAuth := auth.Middleware(gw.verifier)
	mux.Handle("GET /ws", requireAuth(http.HandlerFunc(gw.handleWebSocket)))
	gw.registerAPIRoutes(mux, requireAuth)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// originChecker builds the upgrader's origin policy. An empty list keeps
// gorilla's same-origin check; "*" accepts every origin.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startServers starts the HTTP server on ln and reports serve errors on the returned channel.
func (g *Gateway) startServers(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

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

// Run listens on server.http_addr and serves until ctx is canceled or the
// server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := g.startServers(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// waitForDispatches blocks until in-flight persists finish or ctx expires.
// Stragglers are canceled once ctx expires.
func (g *Gateway) waitForDispatches(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.dispatchWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancelBase()
		return nil
	case <-ctx.Done():
		g.cancelBase()
		<-done
		return fmt.Errorf("in-flight dispatches: %w", ctx.Err())
	}
}

// Shutdown stops accepting requests, closes every socket, lets in-flight
// persists finish and then releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "connections", g.conns.count())

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.dispatchMu.Lock()
	g.closing = true
	g.dispatchMu.Unlock()

	// Hijacked sockets are not tracked by http.Server.
	g.conns.closeAll()

	errs = appendCloseError(errs, "dispatch drain", g.waitForDispatches(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.rooms.Close()
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.conversation.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.conns.count())
}
