package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-webhooks/schema"
)

var (
	emitType        string
	emitResource    string
	emitData        string
	emitTriggeredBy string
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Queue a webhook event",
	Long: `Queue a webhook event for delivery.

Example:
  webhook-worker emit --type fundedDeal.created --resource deal-42 --data '{"amount":1000}'`,
	Args: cobra.NoArgs,
	RunE: runEmit,
}

func init() {
	emitCmd.Flags().StringVar(&emitType, "type", "", "event type, e.g. fundedDeal.created")
	emitCmd.Flags().StringVar(&emitResource, "resource", "", "id of the resource the event is about")
	emitCmd.Flags().StringVar(&emitData, "data", "{}", "JSON document placed under payload.data")
	emitCmd.Flags().StringVar(&emitTriggeredBy, "triggered-by", "", "actor recorded in payload.triggeredBy")
	_ = emitCmd.MarkFlagRequired("type")

	rootCmd.AddCommand(emitCmd)
}

func runEmit(cmd *cobra.Command, args []string) error {
	var data any
	if err := json.Unmarshal([]byte(emitData), &data); err != nil {
		return fmt.Errorf("--data is not valid JSON: %w", err)
	}

	event, err := schema.NewEvent(emitType, emitResource, data, emitTriggeredBy)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepository(repo)

	if err := repo.CreateWebhookEvent(ctx, event); err != nil {
		return fmt.Errorf("queueing event: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), event.ID)
	return nil
}
