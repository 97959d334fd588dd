package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zoff-tech/go-webhooks/schema"
)

// DeadLetterNotice is published when a delivery exhausts its retries.
type DeadLetterNotice struct {
	EventID      string    `json:"eventId"`
	EndpointID   string    `json:"endpointId"`
	EventType    string    `json:"eventType"`
	AttemptCount int       `json:"attemptCount"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ResponseCode *int      `json:"responseCode,omitempty"`
	FailedAt     time.Time `json:"failedAt"`
}

func (p *WebhookProcessor) publishDeadLetter(ctx context.Context, event *schema.WebhookEvent, endpoint schema.WebhookEndpoint, update schema.DeliveryLogUpdate) {
	if p.deadLetterTopic == "" || p.broker == nil {
		return
	}

	notice := DeadLetterNotice{
		EventID:      event.ID,
		EndpointID:   endpoint.ID,
		EventType:    event.EventType,
		AttemptCount: update.AttemptCount,
		ResponseCode: update.ResponseCode,
		FailedAt:     update.LastAttemptAt,
	}
	if update.ErrorMessage != nil {
		notice.ErrorMessage = *update.ErrorMessage
	}

	data, err := json.Marshal(notice)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to encode dead-letter notice")
		return
	}

	headers := map[string]string{
		"event-id":    event.ID,
		"endpoint-id": endpoint.ID,
		"event-type":  event.EventType,
	}
	if err := p.broker.Publish(ctx, p.deadLetterTopic, data, headers); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Str("endpoint_id", endpoint.ID).
			Str("topic", p.deadLetterTopic).Msg("Failed to publish dead-letter notice")
	}
}
