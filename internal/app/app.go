// Package app assembles the services, background jobs and HTTP router.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"triggerflow/internal/actions"
	"triggerflow/internal/actions/adapters"
	"triggerflow/internal/actions/risk"
	"triggerflow/internal/config"
	"triggerflow/internal/filter"
	"triggerflow/internal/handlers"
	"triggerflow/internal/metrics"
	"triggerflow/internal/middleware"
	"triggerflow/internal/models"
	"triggerflow/internal/observability"
	"triggerflow/internal/providers"
	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options carries the pieces a host may supply. Both are optional.
type Options struct {
	Agent      actions.AgentRuntime
	Classifier filter.Classifier
	Version    string
}

// App is the wired process.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Logger     *logrus.Logger
	Runs       *services.AutomationService
	Ingest     *services.IngestService
	Connectors *services.ConnectorService
	Executor   *actions.Executor
	Dispatcher services.RunDispatcher
	Scheduler  *services.Scheduler

	local     *services.LocalDispatcher
	stop      context.CancelFunc
	closeOnce sync.Once
	version   string
}

// OpenDatabase 连接 Postgres 并设置连接池
func OpenDatabase(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.ConnString()), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	if err := observability.InstrumentDB(db, cfg); err != nil {
		log.WithError(err).Warn("gorm tracing plugin not installed")
	}
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}

// New builds the dependency graph on top of an open database. Background
// work is bound to ctx; call Close to stop it.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB, log *logrus.Logger, opts Options) (*App, error) {
	if log == nil {
		log = logrus.New()
	}
	ctx, stop := context.WithCancel(ctx)

	clientCfg := func(base string) adapters.ClientConfig {
		return adapters.ClientConfig{
			BaseURL:    base,
			Timeout:    cfg.Actions.CallTimeout,
			MaxRetries: cfg.Actions.MaxRetries,
			RetryDelay: cfg.Actions.RetryDelay,
		}
	}
	registry := actions.NewRegistry(
		adapters.NewSlack(adapters.NewClient(clientCfg(cfg.Actions.SlackBaseURL), log)),
		adapters.NewGitHub(adapters.NewClient(clientCfg(cfg.Actions.GitHubBaseURL), log)),
	)
	transport := actions.NewHTTPTransport(cfg.Actions.CallTimeout, cfg.Connectors.CircuitBreaker)
	resolver := actions.NewResolver(registry, services.NewConnectorStore(db), transport, actions.StaticBroker(cfg.Credentials), log)

	gate, err := risk.NewGate(ctx)
	if err != nil {
		stop()
		return nil, fmt.Errorf("risk policy: %w", err)
	}
	executor := actions.NewExecutor(resolver, gate, services.NewSettingsStore(db), actions.ExecutorOptions{
		CallTimeout:    cfg.Actions.CallTimeout,
		ResultMaxBytes: cfg.Actions.ResultMaxBytes,
	}, log)

	runs := services.NewAutomationService(db, executor, opts.Agent, services.AutomationOptions{
		WallClockBudget: cfg.Runs.WallClockBudget,
	}, log)

	a := &App{
		Config:     cfg,
		DB:         db,
		Logger:     log,
		Runs:       runs,
		Executor:   executor,
		Connectors: services.NewConnectorService(db, resolver, transport, log),
		stop:       stop,
		version:    opts.Version,
	}

	// 本地 worker 池总是存在：回调入口 /internal 也由它执行
	a.local = services.NewLocalDispatcher(ctx, runs, cfg.Runs.Concurrency, log)
	a.Dispatcher = a.local
	// 配置了回调地址则交给外部 worker
	if cfg.Worker.CallbackURL != "" {
		a.Dispatcher = services.NewCallbackDispatcher(cfg.Worker.CallbackURL, cfg.Security.ServiceToken, cfg.Worker.Timeout, log)
	}

	a.Ingest = services.NewIngestService(db, providers.NewDefaultRegistry(), filter.NewEvaluator(opts.Classifier, log), runs, a.Dispatcher,
		services.IngestOptions{DedupWindow: cfg.Ingest.DedupWindow}, log)

	a.Scheduler = services.NewScheduler(runs, a.Dispatcher, services.SchedulerOptions{
		WatchdogSpec:  cfg.Runs.WatchdogSpec,
		BackfillSpec:  cfg.Runs.BackfillSpec,
		BackfillAfter: cfg.Runs.BackfillAfter,
	}, log)
	if err := a.Scheduler.Register(); err != nil {
		_ = a.local.Shutdown(context.Background())
		stop()
		return nil, err
	}
	return a, nil
}

// Router 创建 Gin 路由
func (a *App) Router() *gin.Engine {
	cfg := a.Config
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	r.Use(requestLogger(a.Logger))
	r.Use(middleware.RateLimitMiddleware(cfg))

	handlers.RegisterHealthRoutes(r, handlers.NewHealthHandler(a.DB, a.version))
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(metrics.Handler()))
	}

	hooks := r.Group("/", middleware.BodyLimit(cfg.Ingest.MaxBodyBytes))
	handlers.RegisterWebhookRoutes(hooks, handlers.NewWebhookHandler(a.Ingest, a.Logger))

	api := r.Group("/api", middleware.ServiceTokenMiddleware(cfg.Security.ServiceToken))
	handlers.RegisterRunRoutes(api, handlers.NewRunHandler(a.Runs))
	handlers.RegisterConnectorRoutes(api, handlers.NewConnectorHandler(a.Connectors, a.Executor))

	internal := r.Group("/internal", middleware.ServiceTokenMiddleware(cfg.Security.ServiceToken))
	// the callback is the worker side: it executes locally, never forwards again
	handlers.RegisterInternalRoutes(internal, handlers.NewInternalHandler(a.Runs, a.local))

	return r
}

// Serve 启动 HTTP 服务，收到信号后优雅关闭
func (a *App) Serve(ctx context.Context) error {
	a.Scheduler.Start()
	defer a.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port),
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	a.Logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.Logger.Info("Server exited")
	return nil
}

// Close stops the scheduler, stops accepting runs and drains the local pool
// for up to runs.shutdown_grace. Runs still executing after that are
// canceled and left running for the watchdog. Safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.Scheduler.Stop()
		grace := a.Config.Runs.ShutdownGrace
		if grace <= 0 {
			grace = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := a.local.Shutdown(ctx); err != nil {
			a.Logger.WithError(err).Warn("local runs did not drain in time")
		}
		a.stop()
	})
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}
