package schema

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the loan platform.
const (
	EventFundedDealCreated = "fundedDeal.created"
	EventFundedDealUpdated = "fundedDeal.updated"
	EventFundedDealDeleted = "fundedDeal.deleted"
	EventTestPing          = "test.ping"
)

// WebhookEvent is an immutable domain fact queued for outbound delivery.
// Only the processed flag and the lock fields change after creation.
type WebhookEvent struct {
	ID          string          `json:"id" bson:"id"`
	EventType   string          `json:"event_type" bson:"event_type"`
	Payload     json.RawMessage `json:"payload" bson:"payload"`
	ResourceID  string          `json:"resource_id,omitempty" bson:"resource_id,omitempty"`
	Processed   bool            `json:"processed" bson:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
	LockedAt    *time.Time      `json:"locked_at,omitempty" bson:"locked_at,omitempty"`
	LockedBy    string          `json:"locked_by,omitempty" bson:"locked_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at" bson:"created_at"`
}

// EventPayload is the document producers wrap domain data in.
type EventPayload struct {
	Event       string `json:"event"`
	Data        any    `json:"data"`
	Timestamp   string `json:"timestamp"`
	TriggeredBy string `json:"triggeredBy,omitempty"`
}

// NewEvent creates a WebhookEvent with a fresh id and a payload whose
// "event" field matches eventType.
func NewEvent(eventType, resourceID string, data any, triggeredBy string) (*WebhookEvent, error) {
	if eventType == "" {
		return nil, errors.New("event type cannot be empty")
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(EventPayload{
		Event:       eventType,
		Data:        data,
		Timestamp:   now.Format(time.RFC3339Nano),
		TriggeredBy: triggeredBy,
	})
	if err != nil {
		return nil, err
	}

	return &WebhookEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Payload:    payload,
		ResourceID: resourceID,
		CreatedAt:  now,
	}, nil
}
