package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zoff-tech/go-webhooks/schema"
)

const pingMessage = "This is a test webhook from Secured Asset Funding"

// TestPingPayload builds the test.ping document sent by Ping.
func TestPingPayload(now time.Time) ([]byte, error) {
	ts := now.UTC().Format(time.RFC3339Nano)
	return json.Marshal(schema.EventPayload{
		Event: schema.EventTestPing,
		Data: map[string]string{
			"message":   pingMessage,
			"timestamp": ts,
		},
		Timestamp: ts,
	})
}

// Ping sends a signed test.ping to endpoint. Pings bypass the delivery log.
func (d *Dispatcher) Ping(ctx context.Context, endpoint schema.WebhookEndpoint) (Result, error) {
	payload, err := TestPingPayload(d.now())
	if err != nil {
		return Result{}, err
	}
	return d.Deliver(ctx, Request{
		TargetURL: endpoint.TargetURL,
		Secret:    endpoint.Secret,
		EventType: schema.EventTestPing,
		Payload:   payload,
	}), nil
}
