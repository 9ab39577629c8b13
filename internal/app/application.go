package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"keyrelay/internal/admission"
	"keyrelay/internal/api"
	"keyrelay/internal/config"
	"keyrelay/internal/directory"
	"keyrelay/internal/ratelimit"
	"keyrelay/internal/relay"
	"keyrelay/internal/store"
)

// Application wires all components together. Initialization order follows
// the dependency chain: store, registry, dispatcher, directory service,
// limiters, websocket handler, API, HTTP.
type Application struct {
	config        *config.Config
	storeManager  *store.Manager
	registry      *relay.Registry
	dispatcher    *relay.Dispatcher
	service       *directory.Service
	memberLimiter *ratelimit.Limiter
	originLimiter *ratelimit.Limiter
	apiServer     *api.Server
	httpServer    *http.Server
	janitorStop   chan struct{}
	log           *logrus.Entry
}

// NewApplication builds an application from the configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	storeManager, err := store.NewManager(&store.Config{
		Path:            cfg.Database.Path,
		RoomTTL:         cfg.Database.RoomTTL,
		SweepInterval:   cfg.Database.SweepInterval,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize directory store: %w", err)
	}

	registry := relay.NewRegistry()
	dispatcher := relay.NewDispatcher(registry)

	service := directory.NewService(storeManager)
	service.SetNotifier(dispatcher)

	// Member id and origin address each carry the same per-window budget;
	// a frame is dropped when either trips.
	memberLimiter := ratelimit.NewLimiter(cfg.Relay.MessageLimit, cfg.Relay.MessageWindow)
	originLimiter := ratelimit.NewLimiter(cfg.Relay.MessageLimit, cfg.Relay.MessageWindow)
	admissionCtrl := admission.NewController(cfg.Relay.ConnLimitPerOrigin)

	wsHandler := relay.NewHandler(storeManager, registry, dispatcher,
		memberLimiter, originLimiter, admissionCtrl, relay.Options{
			SizeLimit:    cfg.Relay.SizeLimit,
			SendBuffer:   cfg.WebSocket.SendBuffer,
			PingInterval: cfg.WebSocket.PingInterval,
			ReadTimeout:  cfg.WebSocket.ReadTimeout,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		})

	apiServer := api.NewServer(service, storeManager, registry)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:        cfg,
		storeManager:  storeManager,
		registry:      registry,
		dispatcher:    dispatcher,
		service:       service,
		memberLimiter: memberLimiter,
		originLimiter: originLimiter,
		apiServer:     apiServer,
		httpServer:    httpServer,
		janitorStop:   make(chan struct{}),
		log:           logrus.WithField("component", "app"),
	}, nil
}

// Start begins serving. It returns once the HTTP listener is up or fails.
func (app *Application) Start(ctx context.Context) error {
	app.log.WithField("addr", app.httpServer.Addr).Info("starting keyrelay")

	go app.limiterJanitor()

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-time.After(100 * time.Millisecond):
		app.log.Info("keyrelay started")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// limiterJanitor periodically drops idle limiter entries so the history
// maps do not grow with every key ever seen.
func (app *Application) limiterJanitor() {
	ticker := time.NewTicker(app.config.Relay.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			app.memberLimiter.Cleanup(now)
			app.originLimiter.Cleanup(now)
		case <-app.janitorStop:
			return
		}
	}
}

// Stop shuts down in reverse dependency order: HTTP listener, open relay
// connections, background loops, store.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("shutting down keyrelay")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.log.WithError(err).Warn("HTTP server shutdown error")
	}

	for _, conn := range app.registry.Drain() {
		_ = conn.Close()
	}

	close(app.janitorStop)

	if err := app.storeManager.Close(); err != nil {
		app.log.WithError(err).Warn("store shutdown error")
	}

	app.log.Info("keyrelay shutdown complete")
	return nil
}

// Addr returns the server address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
