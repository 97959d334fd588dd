package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-webhooks/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the webhook tables and indexes",
	Long: `Create the webhook_endpoints, webhook_events and webhook_delivery_logs
tables (or Mongo indexes) for the configured backend. Safe to run repeatedly.`,
	Args: cobra.NoArgs,
	RunE: runMigrateCmd,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrateCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepository(repo)

	if err := store.MigrateRepository(ctx, repo); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema applied to %s\n", settings.Database.Type)
	return nil
}
