package main

import (
	"context"
	"os/signal"
	"syscall"

	"triggerflow/internal/app"
	"triggerflow/internal/config"
	"triggerflow/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	config.SetupViper("")
	_ = viper.ReadInConfig()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	appLogger, err := config.InitLogger(cfg)
	if err != nil {
		logrus.Warnf("init logger: %v", err)
		appLogger = logrus.StandardLogger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		appLogger.Warnf("tracing disabled: %v", err)
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	db, err := app.OpenDatabase(cfg, appLogger)
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	// 根据需要迁移（此处默认迁移，生产可改为条件控制）
	if err := app.Migrate(db); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := app.New(ctx, cfg, db, appLogger, app.Options{Version: version})
	if err != nil {
		appLogger.Fatalf("Failed to initialize: %v", err)
	}
	if err := a.Serve(ctx); err != nil {
		appLogger.Errorf("Server stopped: %v", err)
	}
}
