// ABOUTME: Gateway orchestrator that wires the store, routing and adapters behind one HTTP server
// ABOUTME: Manages backend selection, the server lifecycle, webhook workers and health endpoints

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

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/broker"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/responder"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/transport"
)

// Version is reported by /health. The CLI sets it at startup.
var Version = "dev"

const shutdownTimeout = 5 * time.Second

// Gateway owns every long-lived component of a switchboard process.
type Gateway struct {
	config      *config.Config
	backendName string
	durable     bool
	store       *conversation.Store
	service     *conversation.Service
	broadcaster *conversation.Broadcaster
	publisher   *broker.Publisher
	dedupe      *dedupe.Cache
	metrics     *metrics.Metrics
	verifier    *auth.JWTVerifier
	upgrader    *websocket.Upgrader
	httpServer  *http.Server
	logger      *slog.Logger

	// workers tracks in-flight webhook processing so shutdown can drain it.
	workers sync.WaitGroup
}

// adapters are the outbound ports. Tests substitute fakes.
type adapters struct {
	responder conversation.Responder
	transport conversation.Transport
	notifier  conversation.Notifier
}

// New creates a Gateway with real adapters built from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ad, publisher, err := buildAdapters(cfg, logger)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, logger, ad)
	if err != nil {
		if publisher != nil {
			_ = publisher.Close()
		}
		return nil, err
	}
	gw.publisher = publisher
	return gw, nil
}

func buildAdapters(cfg *config.Config, logger *slog.Logger) (adapters, *broker.Publisher, error) {
	var ad adapters

	if cfg.AIConfigured() {
		rcfg := responder.Config{
			APIKey:       cfg.AI.APIKey,
			BaseURL:      cfg.AI.BaseURL,
			Model:        cfg.AI.Model,
			MaxTokens:    cfg.AI.MaxTokens,
			Temperature:  responder.DefaultTemperature,
			SystemPrompt: cfg.AI.SystemPrompt,
			Timeout:      cfg.AI.Timeout,
		}
		if cfg.AI.Temperature != nil {
			rcfg.Temperature = float32(*cfg.AI.Temperature)
		}
		ad.responder = responder.NewOpenAI(rcfg, logger)
	} else {
		logger.Warn("ai.api_key not set, AUTO conversations will receive the apology reply")
		ad.responder = responder.Disabled{}
	}

	if cfg.TransportConfigured() {
		client, err := transport.New(transport.Config{
			Provider:      transport.Provider(cfg.Transport.Provider),
			BaseURL:       cfg.Transport.BaseURL,
			APIVersion:    cfg.Transport.APIVersion,
			PhoneNumberID: cfg.Transport.PhoneNumberID,
			AccessToken:   cfg.Transport.AccessToken,
			APIKey:        cfg.Transport.APIKey,
			Timeout:       cfg.Transport.Timeout,
		}, logger)
		if err != nil {
			return ad, nil, fmt.Errorf("creating transport: %w", err)
		}
		ad.transport = client
	} else {
		logger.Warn("transport credentials not set, outbound messages will only be recorded")
		ad.transport = transport.Disabled{}
	}

	var publisher *broker.Publisher
	if cfg.Broker.Enabled {
		p, err := broker.Dial(cfg.Broker.URL, cfg.Broker.Exchange, logger)
		if err != nil {
			return ad, nil, fmt.Errorf("connecting broker: %w", err)
		}
		publisher = p
		ad.notifier = p
	}

	return ad, publisher, nil
}

func newGateway(cfg *config.Config, logger *slog.Logger, ad adapters) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New()
	backend, backendName := initBackend(cfg, m, logger)

	broadcaster := conversation.NewBroadcaster(logger)
	notifiers := conversation.Notifiers{broadcaster}
	if ad.notifier != nil {
		notifiers = append(notifiers, ad.notifier)
	}

	st := conversation.NewStore(backend, notifiers, logger)
	controller := conversation.NewModeController(st, ad.responder, conversation.ModeConfig{
		Keywords:            cfg.Modes.Keywords,
		EscalationReply:     cfg.Modes.EscalationReply,
		CourtesyEnabled:     cfg.CourtesyEnabled(),
		CourtesyReply:       cfg.Modes.CourtesyReply,
		CourtesyQuietPeriod: cfg.Modes.CourtesyQuietPeriod,
		HistoryTurns:        cfg.Modes.HistoryTurns,
		ResponderTimeout:    cfg.AI.Timeout,
	}, logger)
	service := conversation.NewService(st, controller, ad.transport, m, conversation.ServiceConfig{
		ApologyReply:     cfg.Modes.ApologyReply,
		TransportTimeout: cfg.Transport.Timeout,
	}, logger)

	gw := &Gateway{
		config:      cfg,
		backendName: backendName,
		durable:     backendName != config.DriverMemory,
		store:       st,
		service:     service,
		broadcaster: broadcaster,
		dedupe:      dedupe.New(cfg.Webhook.DedupeTTL),
		upgrader:    newUpgrader(cfg.Server.AllowedOrigins),
		metrics:     m,
		logger:      logger.With("component", "gateway"),
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("creating jwt verifier: %w", err)
		}
		gw.verifier = verifier
	} else {
		gw.logger.Warn("auth.jwt_secret not set, operator API is unauthenticated")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// initBackend opens the configured durable backend behind a memory
// fallback and names the engine serving it. A durable backend that cannot
// be opened degrades to memory instead of failing startup.
func initBackend(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (store.Backend, string) {
	var (
		primary *store.SQLStore
		err     error
	)
	switch cfg.Database.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), config.DriverMemory
	case config.DriverPostgres:
		primary, err = store.NewPostgresStore(cfg.Database.URL, cfg.Database.MaxOpenConns)
	default:
		primary, err = store.NewSQLiteStore(cfg.Database.Path)
	}
	if err != nil {
		logger.Error("opening durable backend failed, using in-memory storage",
			"driver", cfg.Database.Driver,
			"error", err)
		m.StoreFallback("open", err)
		return store.NewMemoryStore(), config.DriverMemory
	}

	fb := store.NewFallbackStore(primary, store.NewMemoryStore(), logger)
	fb.OnFallback = m.StoreFallback
	return fb, string(primary.Dialect())
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run listens on server.http_addr until ctx is canceled or the server
// fails, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening",
			"addr", ln.Addr().String(),
			"durable_store", g.durable,
			"auth", g.verifier != nil)
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
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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

// Shutdown stops accepting requests, drains webhook workers and closes
// every component.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "webhook workers", g.drainWorkers(ctx))

	g.broadcaster.Close()
	if g.publisher != nil {
		errs = appendCloseError(errs, "broker close", g.publisher.Close())
	}
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Backend().Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

func (g *Gateway) drainWorkers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight webhooks: %w", ctx.Err())
	}
}

// handleHealth reports liveness and which integrations are configured.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"backend":   g.backendName,
		"configured": map[string]bool{
			"ai":           g.config.AIConfigured(),
			"transport":    g.config.TransportConfigured(),
			"durableStore": g.durable,
		},
	})
}

// handleReady returns 200 only when the backend answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Backend().Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// routes builds the router. Every route is wrapped individually so the
// metrics middleware can read the matched route template.
func (g *Gateway) routes() http.Handler {
	r := mux.NewRouter()
	base := g.baseChain()
	api := g.apiChain(base, false)
	stream := g.apiChain(base, true)

	r.Handle("/health", base.ThenFunc(g.handleHealth)).Methods(http.MethodGet)
	r.Handle("/health/ready", base.ThenFunc(g.handleReady)).Methods(http.MethodGet)

	r.Handle("/webhook/whatsapp", base.ThenFunc(g.handleWebhookVerify)).Methods(http.MethodGet)
	r.Handle("/webhook/whatsapp", base.ThenFunc(g.handleWebhookReceive)).Methods(http.MethodPost)
	r.Handle("/webhook/whatsapp/status", base.ThenFunc(g.handleWebhookStatus)).Methods(http.MethodGet)
	r.Handle("/", base.ThenFunc(g.handleWebhookReceive)).Methods(http.MethodPost)

	r.Handle("/api/stats", api.ThenFunc(g.handleStats)).Methods(http.MethodGet)
	r.Handle("/api/conversations", api.ThenFunc(g.handleListConversations)).Methods(http.MethodGet)
	r.Handle("/api/conversations/{phone}", api.ThenFunc(g.handleGetConversation)).Methods(http.MethodGet)
	r.Handle("/api/conversation/{phone}", api.ThenFunc(g.handleGetConversation)).Methods(http.MethodGet)
	r.Handle("/api/conversations/{phone}", api.ThenFunc(g.handleDeleteConversation)).Methods(http.MethodDelete)
	r.Handle("/api/conversations/{phone}/manual", api.ThenFunc(g.handleSetManual)).Methods(http.MethodPost)
	r.Handle("/api/conversations/{phone}/auto", api.ThenFunc(g.handleSetAuto)).Methods(http.MethodPost)
	r.Handle("/api/conversations/{phone}/messages", api.ThenFunc(g.handleSendMessage)).Methods(http.MethodPost)
	r.Handle("/api/send/{phone}", api.ThenFunc(g.handleSendMessage)).Methods(http.MethodPost)
	r.Handle("/api/search", api.ThenFunc(g.handleSearch)).Methods(http.MethodGet)

	r.Handle("/api/events", stream.ThenFunc(g.handleEvents)).Methods(http.MethodGet)
	r.Handle("/api/ws", stream.ThenFunc(g.handleWebSocket)).Methods(http.MethodGet)

	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		g.sendJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
