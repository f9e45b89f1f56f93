package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"proctorhub/internal/api"
	"proctorhub/internal/chat"
	"proctorhub/internal/cluster"
	"proctorhub/internal/config"
	"proctorhub/internal/database"
	"proctorhub/internal/hub"
	"proctorhub/internal/jobs"
	"proctorhub/internal/registry"
	"proctorhub/internal/router"
	"proctorhub/internal/signaling"
	"proctorhub/internal/websocket"
	"proctorhub/pkg/interfaces"
)

// Application owns every component of one hub process.
type Application struct {
	config      *config.Config
	logger      *zap.Logger
	journal     interfaces.PresenceJournal
	registry    *registry.Registry
	router      *router.Router
	hub         *hub.Hub
	redis       *redis.Client
	bridge      *cluster.Bridge
	maintenance *jobs.Maintenance
	httpServer  *http.Server
	listener    net.Listener
}

// NewApplication builds the components in dependency order:
// journal, registry, router, hub and its handlers, bridge, jobs, HTTP.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg, logger: logger}

	var journal interfaces.PresenceJournal = interfaces.NopJournal{}
	var pruner jobs.Pruner
	if cfg.Journal.Enabled {
		manager, err := database.NewManager(cfg.Journal.DatabaseConfig(), logger.Named("journal"))
		if err != nil {
			return nil, fmt.Errorf("failed to open presence journal: %w", err)
		}
		journal, pruner = manager, manager
	}
	app.journal = journal

	app.registry = registry.NewRegistry(logger.Named("registry"))
	limiter := router.NewRateLimiter(cfg.RateLimit.MessagesPerMinute)
	app.router = router.NewRouter(app.registry, journal, limiter, logger.Named("router"))

	app.hub = hub.NewHub(app.registry, app.router, cfg.Hub.QueueSize, logger.Named("hub"))
	for _, h := range []hub.Handler{
		signaling.NewRelay(app.router, logger.Named("signaling")),
		chat.NewPolicy(app.router, logger.Named("chat")),
	} {
		if err := app.hub.Register(h); err != nil {
			_ = journal.Close()
			return nil, err
		}
	}

	if cfg.Redis.Enabled {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.bridge = cluster.NewBridge(app.redis, cfg.Redis.Channel, cfg.Redis.BufferSize, logger.Named("cluster"))
		app.router.SetFanout(app.bridge)
	}

	app.maintenance = jobs.NewMaintenance(pruner, limiter, &jobs.Config{
		PruneSchedule: cfg.Journal.PruneSchedule,
		Retention:     cfg.Journal.Retention,
	}, logger.Named("jobs"))

	wsHandler := websocket.NewHandler(app.hub, websocket.Options{
		BufferSize:      cfg.WebSocket.BufferSize,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		PingInterval:    cfg.WebSocket.PingInterval,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
	}, logger.Named("websocket"))

	apiServer := api.NewServer(app.hub, journal, api.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		ICEServers:     cfg.WebRTC.ICEServers(),
		WebSocket:      http.HandlerFunc(wsHandler.HandleWebSocket),
	}, logger.Named("api"))

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

// Start runs the hub, joins the cluster if configured, schedules the
// maintenance jobs and starts serving. It returns once the listener is
// bound. After a failed Start, Stop still releases the journal.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	if app.bridge != nil {
		if err := app.bridge.Start(ctx, app.hub); err != nil {
			_ = app.hub.Stop()
			return fmt.Errorf("failed to join cluster: %w", err)
		}
	}

	if err := app.maintenance.Start(); err != nil {
		app.stopCore()
		return err
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.maintenance.Stop()
		app.stopCore()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("http server failed", zap.Error(err))
		}
	}()

	app.logger.Info("proctorhub started",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("journal", app.config.Journal.Enabled),
		zap.Bool("cluster", app.bridge != nil))
	return nil
}

// Stop shuts down in reverse order: HTTP, jobs, cluster, hub, journal.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down proctorhub")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	app.maintenance.Stop()
	app.stopCore()
	if err := app.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("journal close: %w", err))
	}

	app.logger.Info("proctorhub shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) stopCore() {
	if app.bridge != nil {
		if err := app.bridge.Stop(); err != nil && !errors.Is(err, cluster.ErrNotStarted) {
			app.logger.Warn("cluster bridge shutdown error", zap.Error(err))
		}
		_ = app.redis.Close()
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("hub shutdown error", zap.Error(err))
	}
}

// Addr returns the bound listen address, or the configured one before
// Start.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Journal exposes the presence journal.
func (app *Application) Journal() interfaces.PresenceJournal {
	return app.journal
}
