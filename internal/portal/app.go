// Package portal composes the session core into a running portal shell:
// configuration, store selection, the API client, the session manager, the
// realtime channel, metrics and the HTTP server.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aussiebroadwan/wardgate/internal/obs"
	"github.com/aussiebroadwan/wardgate/internal/realtime"
	"github.com/aussiebroadwan/wardgate/internal/session"
	"github.com/aussiebroadwan/wardgate/internal/tokenstore"
	"github.com/aussiebroadwan/wardgate/pkg/portalsdk"
	"github.com/aussiebroadwan/wardgate/pkg/slogx"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

// BuildVersion is overridden at build time via ldflags.
var BuildVersion = "v0.1.0"

// Application holds every long-lived dependency of one portal tab.
type Application struct {
	cfg    Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *obs.Metrics

	store       tokenstore.Store
	closeStore  func() error
	housekeeper *tokenstore.Housekeeper

	client    *portalsdk.Client
	manager   *session.Manager
	channel   *realtime.Channel
	resources portalsdk.Resources

	server *http.Server
}

// New wires an Application from cfg. The caller owns it and must call Close.
func New(cfg Config) (*Application, error) {
	return NewWithLogger(cfg, slogx.New(slogx.Config{
		Service: "wardgate",
		Version: BuildVersion,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	}))
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(cfg Config, logger *slog.Logger) (*Application, error) {
	if cfg.TabID == "" {
		cfg.TabID = uuid.NewString()
	}

	app := &Application{
		cfg:      cfg,
		logger:   logger.With("tab_id", cfg.TabID),
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = obs.New(app.registry)
	app.metrics.SetBuildInfo(BuildVersion)

	if err := app.initStore(); err != nil {
		return nil, err
	}

	if err := app.initSession(); err != nil {
		_ = app.closeStore()
		return nil, err
	}

	app.initHTTP()
	return app, nil
}

// initStore selects the token store backend.
func (app *Application) initStore() error {
	app.closeStore = func() error { return nil }

	if app.cfg.Store == StoreMemory {
		app.store = tokenstore.NewMemory(app.cfg.SessionTTL)
		app.logger.Info("using in-memory token store")
		return nil
	}

	if app.cfg.StoreKey == "" {
		app.logger.Warn("WARDGATE_STORE_KEY not set, stored sessions will not survive a restart")
	}
	sealer, err := tokenstore.NewSealer([]byte(app.cfg.StoreKey))
	if err != nil {
		return fmt.Errorf("failed to initialize token sealer: %w", err)
	}

	opts := tokenstore.Options{
		TabID:  app.cfg.TabID,
		TTL:    app.cfg.SessionTTL,
		Sealer: sealer,
		Logger: app.logger,
	}

	switch app.cfg.Store {
	case StoreSQLite:
		db, err := tokenstore.OpenSQLite(app.cfg.SQLitePath, opts)
		if err != nil {
			return fmt.Errorf("failed to initialize sqlite token store: %w", err)
		}
		app.store = db
		app.housekeeper = tokenstore.NewHousekeeper(db, app.logger, app.cfg.PurgeInterval)
		app.closeStore = db.Close
		app.logger.Info("using sqlite token store", "path", app.cfg.SQLitePath)

	case StoreRedis:
		redisOpts, err := redis.ParseURL(app.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid WARDGATE_REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}

		store, err := tokenstore.NewRedis(client, opts)
		if err != nil {
			_ = client.Close()
			return err
		}
		app.store = store
		app.closeStore = client.Close
		app.logger.Info("using redis token store", "addr", redisOpts.Addr)

	default:
		return fmt.Errorf("unknown token store %q", app.cfg.Store)
	}

	return nil
}

// initSession builds the API client, the realtime channel and the manager.
func (app *Application) initSession() error {
	tokens := tokenstore.AccessTokenSource(app.store)

	app.client = portalsdk.NewClient(app.cfg.APIURL, tokens)
	app.client.HTTPClient.Timeout = app.cfg.RequestTimeout
	if app.cfg.APIRateLimitRPS > 0 {
		app.client.Limiter = rate.NewLimiter(rate.Limit(app.cfg.APIRateLimitRPS), max(app.cfg.APIRateLimitBurst, 1))
	}

	var rt session.Realtime
	if app.cfg.RealtimeURL != "" {
		channel, err := realtime.New(realtime.Options{
			URL:        app.cfg.RealtimeURL,
			Tokens:     tokens,
			RetryDelay: app.cfg.RealtimeRetryDelay,
			MaxRetries: app.cfg.RealtimeMaxRetries,
			Logger:     app.logger,
			Metrics:    app.metrics,
		})
		if err != nil {
			return err
		}
		app.channel = channel
		rt = channel
	}

	manager, err := session.New(session.Options{
		API:           app.client,
		Store:         app.store,
		Realtime:      rt,
		Logger:        app.logger,
		Metrics:       app.metrics,
		VerifyTimeout: app.cfg.VerifyTimeout,
	})
	if err != nil {
		return err
	}
	app.manager = manager
	app.resources = portalsdk.Resources{Doer: manager}

	return nil
}

func (app *Application) Manager() *session.Manager { return app.manager }

// Realtime returns the push channel, or nil when none is configured.
func (app *Application) Realtime() *realtime.Channel { return app.channel }

func (app *Application) Resources() portalsdk.Resources { return app.resources }

func (app *Application) Logger() *slog.Logger { return app.logger }

func (app *Application) Handler() http.Handler { return app.server.Handler }

// Run starts the portal shell and blocks until a shutdown signal or a server
// failure.
func (app *Application) Run() error {
	if app.housekeeper != nil {
		app.housekeeper.Start()
	}

	// Settle the session once up front so the first request is not kept waiting.
	go app.manager.CheckAuth(context.Background())

	app.logger.Info("portal shell starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown stops the HTTP server and releases everything else.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down portal shell...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	if app.housekeeper != nil {
		app.housekeeper.Stop()
		app.housekeeper = nil
	}

	return app.Close()
}

// Close releases the manager, the realtime channel and the store. The stored
// session is kept so the next process for this tab can resume it.
func (app *Application) Close() error {
	app.manager.Close()

	if err := app.closeStore(); err != nil {
		app.logger.Error("error closing token store", "error", err)
		return err
	}
	return nil
}
