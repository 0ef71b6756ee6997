package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"rollcall/internal/api"
	"rollcall/internal/broadcast"
	"rollcall/internal/config"
	"rollcall/internal/coordinator"
	"rollcall/internal/metrics"
	"rollcall/internal/registry"
	"rollcall/internal/store"
	"rollcall/internal/ws"
	dbconfig "rollcall/pkg/database"
)

// Application wires all components and owns their lifecycle.
// Initialization order: Store → Registry → Broadcaster → Metrics →
// Coordinator → WebSocket → API → HTTP.
type Application struct {
	config       *config.Config
	storeManager *store.Manager
	registry     *registry.Registry
	broadcaster  *broadcast.Broadcaster
	metrics      *metrics.Metrics
	coordinator  *coordinator.Coordinator
	connRegistry *ws.ConnRegistry
	wsHandler    *ws.Handler
	apiServer    *api.Server
	httpServer   *http.Server
	listener     net.Listener
}

// NewApplication builds the component graph from configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	storeManager, err := store.NewManager(&dbconfig.Config{
		DatabasePath:    cfg.Store.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Store.Timeout,
		ConnMaxIdleTime: cfg.Store.Timeout / 3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	reg := registry.New()
	b := broadcast.New()
	m := metrics.New()
	b.OnDelivered(m.EventsDelivered)

	coord := coordinator.New(reg, b, storeManager, m, coordinator.Config{
		Shards:    cfg.Coordinator.Shards,
		QueueSize: cfg.Coordinator.QueueSize,
	})

	connRegistry := ws.NewConnRegistry()
	wsHandler := ws.NewHandler(coord, b, connRegistry, m, cfg.Auth, cfg.WebSocket, cfg.Coordinator.RateLimitPerMin)
	apiServer := api.NewServer(coord, reg, storeManager, connRegistry, m.Handler())

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/metrics", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:       cfg,
		storeManager: storeManager,
		registry:     reg,
		broadcaster:  b,
		metrics:      m,
		coordinator:  coord,
		connRegistry: connRegistry,
		wsHandler:    wsHandler,
		apiServer:    apiServer,
		httpServer:   httpServer,
	}, nil
}

// Start launches the coordinator pool and begins serving. Binding happens
// synchronously so callers can rely on GetAddr; port 0 picks a free port.
func (app *Application) Start(ctx context.Context) error {
	app.coordinator.Start()

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.coordinator.Stop()
		return fmt.Errorf("failed to bind %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	log.Printf("rollcall listening on %s", listener.Addr())

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	select {
	case err := <-serverErrCh:
		app.coordinator.Stop()
		return fmt.Errorf("HTTP server error: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	case <-ctx.Done():
		_ = app.httpServer.Close()
		app.coordinator.Stop()
		return ctx.Err()
	}
}

// Stop shuts the application down in reverse dependency order:
// HTTP → connections → coordinator → store.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("shutting down")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.connRegistry.CloseAll()
	app.coordinator.Stop()

	if err := app.storeManager.Close(); err != nil {
		log.Printf("store shutdown error: %v", err)
	}

	log.Printf("shutdown complete")
	return nil
}

// GetAddr returns the bound address, useful when the configured port is 0.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
