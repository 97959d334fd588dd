package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-webhooks/schema"
)

func TestMemoryRepository_LockIsExclusive(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: fixedNow}
	repo := NewMemoryRepository(WithClock(clock.Now), WithLockTimeout(time.Minute))
	require.NoError(t, repo.CreateWebhookEvent(ctx, &schema.WebhookEvent{ID: "evt-1", EventType: "a.b", Payload: json.RawMessage(`{}`), CreatedAt: fixedNow}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, worker := range []string{"w1", "w2", "w3", "w4"} {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			event, err := repo.LockWebhookEvent(ctx, "evt-1", worker)
			assert.NoError(t, err)
			if event != nil {
				mu.Lock()
				winners = append(winners, worker)
				mu.Unlock()
			}
		}(worker)
	}
	wg.Wait()
	assert.Len(t, winners, 1)

	clock.Advance(2 * time.Minute)
	event, err := repo.LockWebhookEvent(ctx, "evt-1", "w5")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "w5", event.LockedBy)

	missing, err := repo.LockWebhookEvent(ctx, "nope", "w5")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryRepository_PendingAndRetryable(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: fixedNow}
	repo := NewMemoryRepository(WithClock(clock.Now))

	for i, id := range []string{"evt-3", "evt-1", "evt-2"} {
		require.NoError(t, repo.CreateWebhookEvent(ctx, &schema.WebhookEvent{
			ID: id, EventType: "a.b", Payload: json.RawMessage(`{}`), CreatedAt: fixedNow.Add(time.Duration(3-i) * time.Second),
		}))
	}

	pending, err := repo.GetPendingWebhookEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "evt-2", pending[0].ID)
	assert.Equal(t, "evt-1", pending[1].ID)

	require.NoError(t, repo.MarkWebhookEventProcessed(ctx, "evt-2"))
	due := fixedNow.Add(time.Minute)
	require.NoError(t, repo.CreateWebhookDeliveryLog(ctx, &schema.WebhookDeliveryLog{
		ID: "log-1", EventID: "evt-2", EndpointID: "ep-1", Status: schema.DeliveryPending, AttemptCount: 1, NextRetryAt: &due, CreatedAt: fixedNow,
	}))

	retryable, err := repo.GetRetryableWebhookEvents(ctx, fixedNow, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)

	retryable, err = repo.GetRetryableWebhookEvents(ctx, due, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, "evt-2", retryable[0].ID)

	err = repo.CreateWebhookDeliveryLog(ctx, &schema.WebhookDeliveryLog{ID: "log-2", EventID: "evt-2", EndpointID: "ep-1"})
	assert.ErrorIs(t, err, ErrDuplicateDeliveryLog)
}

func TestMemoryRepository_ProcessedIsSticky(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: fixedNow}
	repo := NewMemoryRepository(WithClock(clock.Now))
	require.NoError(t, repo.CreateWebhookEvent(ctx, &schema.WebhookEvent{ID: "evt-1", EventType: "a.b", CreatedAt: fixedNow}))

	require.NoError(t, repo.MarkWebhookEventProcessed(ctx, "evt-1"))
	clock.Advance(time.Hour)
	require.NoError(t, repo.MarkWebhookEventProcessed(ctx, "evt-1"))

	event, err := repo.GetWebhookEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, event.Processed)
	require.NotNil(t, event.ProcessedAt)
	assert.True(t, fixedNow.Equal(*event.ProcessedAt))

	assert.ErrorIs(t, repo.MarkWebhookEventProcessed(ctx, "missing"), ErrNotFound)
}

func TestMemoryRepository_EndpointsAndRecentDeliveries(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	require.NoError(t, repo.UpsertWebhookEndpoint(ctx, &schema.WebhookEndpoint{ID: "ep-2", IsActive: true, CreatedAt: fixedNow.Add(time.Second)}))
	require.NoError(t, repo.UpsertWebhookEndpoint(ctx, &schema.WebhookEndpoint{ID: "ep-1", IsActive: true, CreatedAt: fixedNow}))
	require.NoError(t, repo.UpsertWebhookEndpoint(ctx, &schema.WebhookEndpoint{ID: "ep-3", IsActive: false, CreatedAt: fixedNow}))

	endpoints, err := repo.GetActiveWebhookEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	assert.Equal(t, "ep-1", endpoints[0].ID)
	assert.Equal(t, "ep-2", endpoints[1].ID)

	_, err = repo.GetWebhookEndpoint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateWebhookDeliveryLog(ctx, &schema.WebhookDeliveryLog{
			ID: string(rune('a' + i)), EventID: "evt", EndpointID: string(rune('a' + i)), CreatedAt: fixedNow.Add(time.Duration(i) * time.Second),
		}))
	}
	recent, err := repo.GetRecentWebhookDeliveries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)

	err = repo.UpdateWebhookDeliveryLog(ctx, "missing", schema.DeliveryLogUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}
