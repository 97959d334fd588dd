package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-webhooks/pkg/api"
	"github.com/zoff-tech/go-webhooks/pkg/broker"
	"github.com/zoff-tech/go-webhooks/pkg/delivery"
	"github.com/zoff-tech/go-webhooks/pkg/processor"
	"github.com/zoff-tech/go-webhooks/pkg/store"
	"github.com/zoff-tech/go-webhooks/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

var runMigrate bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll for webhook events and deliver them",
	Long: `Start the delivery worker and the ops server.

The worker polls every poll_interval until the process receives SIGINT or
SIGTERM. The ops server exposes /healthz, /metrics, /deliveries and
POST /endpoints/:id/test.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	runCmd.Flags().BoolVar(&runMigrate, "migrate", false, "apply the schema before starting")
	rootCmd.AddCommand(runCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	shutdownTelemetry, err := telemetry.Init(settings.Observability)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer shutdownTelemetry()

	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepository(repo)

	if runMigrate {
		if err := store.MigrateRepository(ctx, repo); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}

	b, err := broker.NewBroker(ctx, &settings.Broker)
	if err != nil {
		return fmt.Errorf("initializing broker: %w", err)
	}
	defer b.Close()

	dispatcher := delivery.NewDispatcher(settings.DispatchTimeout)
	p := processor.NewWebhookProcessor(repo, dispatcher, b, settings)

	worker := processor.NewWorker(p, settings.PollInterval)
	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop()

	server := api.NewServer(settings.HTTP.Addr, api.NewHandler(repo, dispatcher, worker))
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	log.Info().
		Str("worker_id", p.WorkerID()).
		Dur("poll_interval", settings.PollInterval).
		Int("batch_size", settings.BatchSize).
		Msg("Webhook worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down webhook worker")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Ops server did not shut down cleanly")
	}
	return nil
}
