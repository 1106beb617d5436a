package cli

import (
	"triggerflow/internal/app"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := app.OpenDatabase(cfg, logger)
		if err != nil {
			return err
		}
		logger.Info("Starting database migration...")
		if err := app.Migrate(db); err != nil {
			return err
		}
		logger.Info("Database migration completed successfully!")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
