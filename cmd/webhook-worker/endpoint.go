package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-webhooks/pkg/delivery"
	"github.com/zoff-tech/go-webhooks/pkg/store"
	"github.com/zoff-tech/go-webhooks/schema"
)

var (
	endpointID       string
	endpointName     string
	endpointURL      string
	endpointSecret   string
	endpointEvents   []string
	endpointInactive bool
)

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
}

var endpointAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create or replace an endpoint",
	Long: `Create or replace a webhook endpoint. A secret is generated when --secret
is omitted and printed once.

Example:
  webhook-worker endpoint add --name crm --url https://crm.example.com/hooks --events 'fundedDeal.*'`,
	Args: cobra.NoArgs,
	RunE: runEndpointAdd,
}

func init() {
	endpointAddCmd.Flags().StringVar(&endpointID, "id", "", "endpoint id (default: random UUID)")
	endpointAddCmd.Flags().StringVar(&endpointName, "name", "", "display name")
	endpointAddCmd.Flags().StringVar(&endpointURL, "url", "", "target URL receiving POSTs")
	endpointAddCmd.Flags().StringVar(&endpointSecret, "secret", "", "signing secret (default: generated)")
	endpointAddCmd.Flags().StringSliceVar(&endpointEvents, "events", nil, "subscribed event types; a trailing .* matches a family")
	endpointAddCmd.Flags().BoolVar(&endpointInactive, "inactive", false, "create the endpoint disabled")
	_ = endpointAddCmd.MarkFlagRequired("url")
	_ = endpointAddCmd.MarkFlagRequired("events")

	endpointCmd.AddCommand(endpointAddCmd)
	rootCmd.AddCommand(endpointCmd)
}

func runEndpointAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepository(repo)

	writer, ok := repo.(store.EndpointWriter)
	if !ok {
		return errors.New("the configured backend does not support endpoint writes")
	}

	secret := endpointSecret
	if secret == "" {
		if secret, err = delivery.GenerateSecret(); err != nil {
			return err
		}
	}
	id := endpointID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	endpoint := &schema.WebhookEndpoint{
		ID:               id,
		Name:             endpointName,
		TargetURL:        endpointURL,
		Secret:           secret,
		SubscribedEvents: endpointEvents,
		IsActive:         !endpointInactive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := writer.UpsertWebhookEndpoint(ctx, endpoint); err != nil {
		return fmt.Errorf("saving endpoint: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id: %s\n", endpoint.ID)
	if endpointSecret == "" {
		fmt.Fprintf(out, "secret: %s\n", secret)
	}
	return nil
}
