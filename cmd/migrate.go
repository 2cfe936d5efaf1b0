package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/config"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
}

var dbOnly = map[string]string{skipKMSValidation: "true"}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd.Context(), storage.Migrate)
	},
	Annotations: dbOnly,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations, dropping every keyguard table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !confirmDown {
			return errors.New("refusing to drop the schema without --yes")
		}
		return withDB(cmd.Context(), storage.MigrateDown)
	},
	Annotations: dbOnly,
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd.Context(), func(db *sql.DB) error {
			version, dirty, err := storage.MigrationVersion(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
			return nil
		})
	},
	Annotations: dbOnly,
}

var confirmDown bool

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	migrateDownCmd.Flags().BoolVar(&confirmDown, "yes", false, "confirm dropping the schema")
}

func withDB(ctx context.Context, fn func(db *sql.DB) error) error {
	if serverConfig.KMS.StorageBackend != config.StoragePostgreSQL {
		return errors.Errorf("migrations require the %s storage backend", config.StoragePostgreSQL)
	}
	db, err := api.NewDB(ctx, serverConfig.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(db)
}
