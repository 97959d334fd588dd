package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-webhooks/pkg/config"
	"github.com/zoff-tech/go-webhooks/pkg/logger"
	"github.com/zoff-tech/go-webhooks/pkg/store"
)

var (
	configDir string
	settings  *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "webhook-worker",
	Short: "Outbound webhook delivery worker",
	Long: `webhook-worker delivers queued webhook events to subscribed endpoints.

Each event is signed with the endpoint secret, POSTed once per subscriber and
retried with backoff until it succeeds or exhausts its attempts.

Start the worker:
  webhook-worker run

Create the schema:
  webhook-worker migrate`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFromFile(configDir)
		if err != nil {
			return err
		}
		settings = cfg
		logger.Init(cfg.Logging)
		return nil
	},
}

// Execute runs the root command with ctx as the command context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "./cmd/webhook-worker", "directory holding webhooks.yaml")
}

// openRepository opens the configured backend. Callers own the returned repository.
func openRepository(ctx context.Context) (store.WebhookRepository, error) {
	repo, err := store.NewRepository(ctx, settings.Database, store.WithLockTimeout(settings.LockTimeout))
	if err != nil {
		return nil, fmt.Errorf("opening %s repository: %w", settings.Database.Type, err)
	}
	return repo, nil
}

func closeRepository(repo store.WebhookRepository) {
	if err := repo.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close repository")
	}
}
