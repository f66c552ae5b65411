// Package main is the entrypoint for the faultline API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/faultline/internal/api"
	"github.com/kiranshivaraju/faultline/internal/api/handler"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/counters"
	"github.com/kiranshivaraju/faultline/internal/lock"
	"github.com/kiranshivaraju/faultline/internal/membership"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/notify"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/store/memstore"
	"github.com/kiranshivaraju/faultline/internal/tracker"
)

// bootstrapKeyOut receives the raw key of a project seeded at startup.
var bootstrapKeyOut io.Writer = os.Stderr

const (
	shutdownTimeout  = 30 * time.Second
	reconcileTimeout = 2 * time.Minute
	migrationsDir    = "migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "store_driver", cfg.Database.Driver, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer app.close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      app.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	app.reconciler.Start()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	app.reconciler.Stop(shutdownCtx)
	app.tracker.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// app is the wired object graph behind the HTTP server.
type app struct {
	handler    http.Handler
	tracker    *tracker.Service
	members    *membership.Manager
	reconciler *counters.Reconciler
	closers    []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	s, err := openStore(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	var redisCache *cache.RedisCache
	if cfg.UsesRedis() {
		redisCache, err = cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("create redis cache: %w", err)
		}
		a.closers = append(a.closers, func() { redisCache.Close() })
		if err := redisCache.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
	}

	// Without Redis the process is the only writer: locks are in-process and
	// notifications are logged instead of queued. A webhook overrides both.
	var locker lock.Locker = lock.NewKeyedMutex()
	var sender notify.Sender = notify.NewLogSender(logger)
	var rlCache cache.Cache
	pingers := map[string]handler.Pinger{"database": s}
	if redisCache != nil {
		locker = lock.NewRedisLocker(redisCache, cfg.Ingest.LockTTL, cfg.Ingest.LockWait, logger)
		sender = notify.NewQueueSender(redisCache, cfg.Notify.Queue)
		rlCache = redisCache
		pingers["cache"] = redisCache
	}
	if cfg.Notify.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, cfg.Notify.Timeout)
	}

	m := metrics.New()
	dispatcher := notify.NewDispatcher(sender, cfg.Notify.MaxConcurrency, logger, m)
	maintainer := counters.NewMaintainer(s, logger, m)
	a.tracker = tracker.NewService(s, locker, dispatcher, maintainer, m, logger, tracker.Config{
		StoreTimeout:  cfg.Ingest.StoreTimeout,
		NotifyTimeout: cfg.Notify.Timeout,
	})
	a.members = membership.NewManager(s, locker, dispatcher, logger)

	a.reconciler, err = counters.NewReconciler(maintainer, cfg.Counters.ReconcileSchedule, reconcileTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("create reconciler: %w", err)
	}

	if cfg.Bootstrap.AdminEmail != "" {
		rawKey, err := a.members.Bootstrap(ctx, cfg.Bootstrap.AdminEmail, cfg.Bootstrap.ProjectName)
		if err != nil {
			return nil, fmt.Errorf("bootstrap project: %w", err)
		}
		if rawKey != "" {
			// Only chance to see the key. It stays out of the structured logs.
			logger.Warn("bootstrap project created",
				"project", cfg.Bootstrap.ProjectName,
				"key_prefix", rawKey[:membership.KeyPrefixLen])
			fmt.Fprintf(bootstrapKeyOut, "faultline: API key for project %q: %s\n", cfg.Bootstrap.ProjectName, rawKey)
		}
	}

	a.handler = api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(s),
		RateLimit: mw.NewRateLimit(rlCache, cfg.RateLimit.RequestsPerMinute),

		HealthHandler:  handler.NewHealthHandler(pingers),
		MetricsHandler: m.Handler(),

		SubmitError:  handler.NewSubmitErrorHandler(a.tracker),
		ListErrors:   handler.NewListErrorsHandler(a.tracker),
		GetError:     handler.NewGetErrorHandler(a.tracker),
		ResolveError: handler.NewResolveErrorHandler(a.tracker),
		AddComment:   handler.NewAddCommentHandler(a.tracker),

		RegenerateAPIKey: handler.NewRegenerateAPIKeyHandler(a.members),
		AddMembers:       handler.NewAddMembersHandler(a.members),
		RemoveMember:     handler.NewRemoveMemberHandler(a.members),
	})

	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, a *app) (store.Store, error) {
	if cfg.Database.Driver == config.DriverMemory {
		s, err := memstore.New()
		if err != nil {
			return nil, fmt.Errorf("create memory store: %w", err)
		}
		slog.Warn("using in-memory store; data is lost on restart")
		return s, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), nil
}
