package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	event, err := NewEvent(EventFundedDealCreated, "d1", map[string]any{"id": "d1", "amount": 250000}, "user-1")
	require.NoError(t, err)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, EventFundedDealCreated, event.EventType)
	assert.Equal(t, "d1", event.ResourceID)
	assert.False(t, event.Processed)
	assert.WithinDuration(t, time.Now(), event.CreatedAt, time.Second)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, EventFundedDealCreated, payload["event"])
	assert.Equal(t, "user-1", payload["triggeredBy"])
	assert.Equal(t, "d1", payload["data"].(map[string]any)["id"])
}

func TestNewEvent_EmptyType(t *testing.T) {
	event, err := NewEvent("", "d1", nil, "")
	assert.Error(t, err)
	assert.Nil(t, event)
}

func TestDeliveryLogUpdate_Apply(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	next := now.Add(time.Minute)
	code := 500
	msg := "boom"

	log := &WebhookDeliveryLog{ID: "l1", Status: DeliveryPending, AttemptCount: 1}
	DeliveryLogUpdate{
		Status:        DeliveryPending,
		AttemptCount:  2,
		LastAttemptAt: now,
		NextRetryAt:   &next,
		ResponseCode:  &code,
		ErrorMessage:  &msg,
	}.Apply(log)

	assert.Equal(t, 2, log.AttemptCount)
	assert.Equal(t, now, *log.LastAttemptAt)
	assert.Equal(t, next, *log.NextRetryAt)
	assert.Equal(t, 500, *log.ResponseCode)
	assert.Nil(t, log.ResponseBody)
	assert.Equal(t, now, log.UpdatedAt)
	assert.False(t, log.Status.Terminal())
	assert.True(t, DeliveryFailed.Terminal())
}
