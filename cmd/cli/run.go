package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"triggerflow/internal/app"
	"triggerflow/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var migrateOnStart bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the webhook server and run workers",
	RunE:  run,
}

func init() {
	runCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply database migrations before serving")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	// 等待中断信号
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		logger.WithError(err).Warn("tracing disabled")
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	db, err := app.OpenDatabase(cfg, logger)
	if err != nil {
		return err
	}
	if migrateOnStart {
		if err := app.Migrate(db); err != nil {
			return err
		}
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	a, err := app.New(ctx, cfg, db, logger, app.Options{Version: Version})
	if err != nil {
		return err
	}
	if err := a.Serve(ctx); err != nil {
		logger.WithError(err).Error("server stopped")
		os.Exit(1)
	}
	return nil
}
