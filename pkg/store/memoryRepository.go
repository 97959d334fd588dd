package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zoff-tech/go-webhooks/schema"
)

// MemoryRepository keeps all webhook state in process. It is safe for
// concurrent use and honours the same locking rules as the SQL backends.
type MemoryRepository struct {
	mu        sync.Mutex
	opts      repoOptions
	events    map[string]*schema.WebhookEvent
	endpoints map[string]*schema.WebhookEndpoint
	logs      map[string]*schema.WebhookDeliveryLog
}

func NewMemoryRepository(opts ...Option) *MemoryRepository {
	return &MemoryRepository{
		opts:      newOptions(opts),
		events:    make(map[string]*schema.WebhookEvent),
		endpoints: make(map[string]*schema.WebhookEndpoint),
		logs:      make(map[string]*schema.WebhookDeliveryLog),
	}
}

func (m *MemoryRepository) CreateWebhookEvent(_ context.Context, event *schema.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[event.ID]; ok {
		return fmt.Errorf("webhook event %s already exists", event.ID)
	}
	m.events[event.ID] = copyEvent(event)
	return nil
}

func (m *MemoryRepository) GetPendingWebhookEvents(_ context.Context, limit int) ([]schema.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry := m.opts.lockExpiry(m.opts.clock())
	return m.selectEvents(limit, func(e *schema.WebhookEvent) bool {
		return !e.Processed && unlocked(e, expiry)
	}), nil
}

func (m *MemoryRepository) GetRetryableWebhookEvents(_ context.Context, now time.Time, limit int) ([]schema.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry := m.opts.lockExpiry(m.opts.clock())
	return m.selectEvents(limit, func(e *schema.WebhookEvent) bool {
		if !e.Processed || !unlocked(e, expiry) {
			return false
		}
		for _, log := range m.logs {
			if log.EventID == e.ID && log.Status == schema.DeliveryPending &&
				log.NextRetryAt != nil && !log.NextRetryAt.After(now) {
				return true
			}
		}
		return false
	}), nil
}

func (m *MemoryRepository) LockWebhookEvent(_ context.Context, eventID, workerID string) (*schema.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[eventID]
	if !ok {
		return nil, nil
	}

	now := m.opts.clock()
	if !unlocked(event, m.opts.lockExpiry(now)) {
		return nil, nil
	}
	event.LockedAt = &now
	event.LockedBy = workerID
	return copyEvent(event), nil
}

func (m *MemoryRepository) UnlockWebhookEvent(_ context.Context, eventID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event, ok := m.events[eventID]; ok && event.LockedBy == workerID {
		event.LockedAt = nil
		event.LockedBy = ""
	}
	return nil
}

func (m *MemoryRepository) MarkWebhookEventProcessed(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[eventID]
	if !ok {
		return fmt.Errorf("webhook event %s: %w", eventID, ErrNotFound)
	}
	if !event.Processed {
		now := m.opts.clock()
		event.Processed = true
		event.ProcessedAt = &now
	}
	return nil
}

// GetWebhookEvent returns a snapshot of the stored event.
func (m *MemoryRepository) GetWebhookEvent(_ context.Context, eventID string) (*schema.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("webhook event %s: %w", eventID, ErrNotFound)
	}
	return copyEvent(event), nil
}

func (m *MemoryRepository) GetActiveWebhookEndpoints(_ context.Context) ([]schema.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var endpoints []schema.WebhookEndpoint
	for _, endpoint := range m.endpoints {
		if endpoint.IsActive {
			endpoints = append(endpoints, copyEndpoint(endpoint))
		}
	}
	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].CreatedAt.Equal(endpoints[j].CreatedAt) {
			return endpoints[i].ID < endpoints[j].ID
		}
		return endpoints[i].CreatedAt.Before(endpoints[j].CreatedAt)
	})
	return endpoints, nil
}

func (m *MemoryRepository) GetWebhookEndpoint(_ context.Context, id string) (*schema.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoint, ok := m.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("webhook endpoint %s: %w", id, ErrNotFound)
	}
	c := copyEndpoint(endpoint)
	return &c, nil
}

func (m *MemoryRepository) UpsertWebhookEndpoint(_ context.Context, endpoint *schema.WebhookEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := copyEndpoint(endpoint)
	m.endpoints[endpoint.ID] = &c
	return nil
}

func (m *MemoryRepository) GetWebhookDeliveryLogs(_ context.Context, eventID string) ([]schema.WebhookDeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var logs []schema.WebhookDeliveryLog
	for _, log := range m.logs {
		if log.EventID == eventID {
			logs = append(logs, *log)
		}
	}
	sortLogsNewestFirst(logs)
	return logs, nil
}

func (m *MemoryRepository) CreateWebhookDeliveryLog(_ context.Context, log *schema.WebhookDeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.logs {
		if existing.EventID == log.EventID && existing.EndpointID == log.EndpointID {
			return ErrDuplicateDeliveryLog
		}
	}
	c := *log
	m.logs[log.ID] = &c
	return nil
}

func (m *MemoryRepository) UpdateWebhookDeliveryLog(_ context.Context, id string, update schema.DeliveryLogUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[id]
	if !ok {
		return fmt.Errorf("delivery log %s: %w", id, ErrNotFound)
	}
	update.Apply(log)
	return nil
}

func (m *MemoryRepository) GetRecentWebhookDeliveries(_ context.Context, limit int) ([]schema.WebhookDeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logs := make([]schema.WebhookDeliveryLog, 0, len(m.logs))
	for _, log := range m.logs {
		logs = append(logs, *log)
	}
	sortLogsNewestFirst(logs)
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (m *MemoryRepository) Close() error {
	return nil
}

func (m *MemoryRepository) selectEvents(limit int, keep func(*schema.WebhookEvent) bool) []schema.WebhookEvent {
	var events []schema.WebhookEvent
	for _, event := range m.events {
		if keep(event) {
			events = append(events, *copyEvent(event))
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

func unlocked(e *schema.WebhookEvent, expiry time.Time) bool {
	return e.LockedAt == nil || e.LockedAt.Before(expiry)
}

func sortLogsNewestFirst(logs []schema.WebhookDeliveryLog) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].CreatedAt.Equal(logs[j].CreatedAt) {
			return logs[i].ID > logs[j].ID
		}
		return logs[i].CreatedAt.After(logs[j].CreatedAt)
	})
}

func copyEvent(e *schema.WebhookEvent) *schema.WebhookEvent {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}

func copyEndpoint(e *schema.WebhookEndpoint) schema.WebhookEndpoint {
	c := *e
	c.SubscribedEvents = append([]string(nil), e.SubscribedEvents...)
	return c
}
