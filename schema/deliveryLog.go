package schema

import "time"

// DeliveryStatus represents the state of one (event, endpoint) delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// WebhookDeliveryLog records the attempts for a single (event, endpoint) pair.
// At most one log exists per pair.
type WebhookDeliveryLog struct {
	ID            string         `json:"id" bson:"id"`
	EventID       string         `json:"event_id" bson:"event_id"`
	EndpointID    string         `json:"endpoint_id" bson:"endpoint_id"`
	Status        DeliveryStatus `json:"status" bson:"status"`
	AttemptCount  int            `json:"attempt_count" bson:"attempt_count"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty" bson:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty" bson:"next_retry_at,omitempty"`
	ResponseCode  *int           `json:"response_code,omitempty" bson:"response_code,omitempty"`
	ResponseBody  *string        `json:"response_body,omitempty" bson:"response_body,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" bson:"updated_at"`
}

// DeliveryLogUpdate holds the fields rewritten by a retry attempt.
type DeliveryLogUpdate struct {
	Status        DeliveryStatus
	AttemptCount  int
	LastAttemptAt time.Time
	NextRetryAt   *time.Time
	ResponseCode  *int
	ResponseBody  *string
	ErrorMessage  *string
}

// Apply copies the update onto the log.
func (u DeliveryLogUpdate) Apply(log *WebhookDeliveryLog) {
	last := u.LastAttemptAt
	log.Status = u.Status
	log.AttemptCount = u.AttemptCount
	log.LastAttemptAt = &last
	log.NextRetryAt = u.NextRetryAt
	log.ResponseCode = u.ResponseCode
	log.ResponseBody = u.ResponseBody
	log.ErrorMessage = u.ErrorMessage
	log.UpdatedAt = last
}
