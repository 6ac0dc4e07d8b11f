package cli

import (
	"github.com/spf13/cobra"
)

var migrateDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQL migrations to the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context(), migrateDir)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDir, "dir", "", "Migrations directory (defaults to database.migrations_path)")
}
