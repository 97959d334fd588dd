package store

import (
	"context"
	"errors"
	"time"

	"github.com/zoff-tech/go-webhooks/schema"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateDeliveryLog = errors.New("delivery log already exists for event and endpoint")
)

// WebhookRepository defines the storage operations the delivery engine relies on.
type WebhookRepository interface {
	// CreateWebhookEvent appends a new event to the outbox.
	CreateWebhookEvent(ctx context.Context, event *schema.WebhookEvent) error
	// GetPendingWebhookEvents returns unprocessed, unlocked events, oldest first.
	GetPendingWebhookEvents(ctx context.Context, limit int) ([]schema.WebhookEvent, error)
	// GetRetryableWebhookEvents returns processed, unlocked events that have a
	// pending delivery log due at or before now, oldest first.
	GetRetryableWebhookEvents(ctx context.Context, now time.Time, limit int) ([]schema.WebhookEvent, error)
	// LockWebhookEvent atomically claims an event for workerID. It returns
	// nil and no error when another worker holds an unexpired lock.
	LockWebhookEvent(ctx context.Context, eventID, workerID string) (*schema.WebhookEvent, error)
	// UnlockWebhookEvent releases a lock still held by workerID.
	UnlockWebhookEvent(ctx context.Context, eventID, workerID string) error
	// MarkWebhookEventProcessed flags the event as processed. It never reverts.
	MarkWebhookEventProcessed(ctx context.Context, eventID string) error

	GetActiveWebhookEndpoints(ctx context.Context) ([]schema.WebhookEndpoint, error)
	GetWebhookEndpoint(ctx context.Context, id string) (*schema.WebhookEndpoint, error)

	GetWebhookDeliveryLogs(ctx context.Context, eventID string) ([]schema.WebhookDeliveryLog, error)
	// CreateWebhookDeliveryLog inserts the first attempt for a pair. A second
	// insert for the same (event, endpoint) returns ErrDuplicateDeliveryLog.
	CreateWebhookDeliveryLog(ctx context.Context, log *schema.WebhookDeliveryLog) error
	UpdateWebhookDeliveryLog(ctx context.Context, id string, update schema.DeliveryLogUpdate) error
	GetRecentWebhookDeliveries(ctx context.Context, limit int) ([]schema.WebhookDeliveryLog, error)

	Close() error
}

// EndpointWriter is implemented by backends that can also provision endpoints.
type EndpointWriter interface {
	UpsertWebhookEndpoint(ctx context.Context, endpoint *schema.WebhookEndpoint) error
}

var (
	_ WebhookRepository = (*SQLRepository)(nil)
	_ WebhookRepository = (*SpannerRepository)(nil)
	_ WebhookRepository = (*MongoRepository)(nil)
	_ WebhookRepository = (*MemoryRepository)(nil)

	_ EndpointWriter = (*SQLRepository)(nil)
	_ EndpointWriter = (*SpannerRepository)(nil)
	_ EndpointWriter = (*MongoRepository)(nil)
	_ EndpointWriter = (*MemoryRepository)(nil)
)

type Option func(*repoOptions)

type repoOptions struct {
	lockTimeout time.Duration
	now         func() time.Time
}

// WithLockTimeout sets how long a lock is honoured before another worker may reclaim the event.
func WithLockTimeout(d time.Duration) Option {
	return func(o *repoOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithClock overrides the time source used for lock bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *repoOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) repoOptions {
	o := repoOptions{lockTimeout: defaultLockTimeout, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o repoOptions) clock() time.Time {
	return o.now().UTC()
}

// lockExpiry is the instant before which an existing lock counts as abandoned.
func (o repoOptions) lockExpiry(now time.Time) time.Time {
	return now.Add(-o.lockTimeout)
}
