package schema

import "time"

// WebhookEndpoint is a subscriber configuration. The delivery engine only
// reads endpoints; they are managed elsewhere.
type WebhookEndpoint struct {
	ID               string    `json:"id" bson:"id"`
	Name             string    `json:"name" bson:"name"`
	TargetURL        string    `json:"target_url" bson:"target_url"`
	Secret           string    `json:"-" bson:"secret"`
	SubscribedEvents []string  `json:"subscribed_events" bson:"subscribed_events"`
	IsActive         bool      `json:"is_active" bson:"is_active"`
	CreatedAt        time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" bson:"updated_at"`
}
