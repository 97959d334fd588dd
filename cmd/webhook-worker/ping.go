package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-webhooks/pkg/delivery"
)

var pingCmd = &cobra.Command{
	Use:   "ping <endpoint-id>",
	Short: "Send a signed test.ping to an endpoint",
	Long: `Send a signed test.ping event to the endpoint and report the outcome.
Nothing is written to the delivery log.`,
	Args: cobra.ExactArgs(1),
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepository(repo)

	endpoint, err := repo.GetWebhookEndpoint(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading endpoint %s: %w", args[0], err)
	}

	result, err := delivery.NewDispatcher(settings.DispatchTimeout).Ping(ctx, *endpoint)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !result.Success {
		fmt.Fprintf(out, "%s failed after %s: %s\n", endpoint.TargetURL, result.Duration, result.Error)
		return errors.New("ping failed")
	}
	fmt.Fprintf(out, "%s responded %d in %s\n", endpoint.TargetURL, result.StatusCode, result.Duration)
	return nil
}
